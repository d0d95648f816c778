package auth

import (
	"testing"
	"time"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "rollcall"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("GDGADMIN", true, testIssuer, testKey, 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Username != "GDGADMIN" || !claims.Super {
		t.Errorf("claims = %+v", claims)
	}

	refresh, err := Parse(pair.RefreshToken, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse refresh: %v", err)
	}
	if refresh.ExpiresAt.Time.Before(claims.ExpiresAt.Time) {
		t.Error("refresh token expires before access token")
	}
}

func TestParseRejections(t *testing.T) {
	pair, err := Issue("member1", false, testIssuer, testKey, 15*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	t.Run("wrong key", func(t *testing.T) {
		if _, err := Parse(pair.AccessToken, "other-key", testIssuer); err == nil {
			t.Fatal("token accepted with wrong key")
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		if _, err := Parse(pair.AccessToken, testKey, "someone-else"); err == nil {
			t.Fatal("token accepted with wrong issuer")
		}
	})

	t.Run("expired", func(t *testing.T) {
		old, err := Issue("member1", false, testIssuer, testKey, -time.Minute, -time.Minute)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if _, err := Parse(old.AccessToken, testKey, testIssuer); err == nil {
			t.Fatal("expired token accepted")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := Parse("not.a.token", testKey, testIssuer); err == nil {
			t.Fatal("garbage accepted")
		}
	})
}
