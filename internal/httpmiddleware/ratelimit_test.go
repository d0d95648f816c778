package httpmiddleware

import "testing"

func TestTokenBucketsExhaustion(t *testing.T) {
	tb := newTokenBuckets(5)

	for i := 0; i < 5; i++ {
		if !tb.allow("1.2.3.4") {
			t.Fatalf("request %d denied within capacity", i)
		}
	}
	if tb.allow("1.2.3.4") {
		t.Error("request allowed beyond capacity")
	}

	// Other clients have their own bucket.
	if !tb.allow("5.6.7.8") {
		t.Error("fresh client denied")
	}
}

func TestRateLimiterMemoryFallback(t *testing.T) {
	l := NewRateLimiter(nil, 2)
	if !l.fallback.allow("k") || !l.fallback.allow("k") {
		t.Fatal("denied within limit")
	}
	if l.fallback.allow("k") {
		t.Error("allowed beyond limit")
	}
}
