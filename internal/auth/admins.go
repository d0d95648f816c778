package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrAdminExists is returned when creating an admin with a taken username.
var ErrAdminExists = errors.New("admin username already exists")

// Admin is an administrator account. Supers may create events, delete events,
// upload rosters, and manage other admins.
type Admin struct {
	Username  string    `json:"username"`
	Super     bool      `json:"super"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminStore persists admin accounts with bcrypt password hashes.
type AdminStore struct {
	db *sql.DB
}

// NewAdminStore creates the store.
func NewAdminStore(db *sql.DB) *AdminStore {
	return &AdminStore{db: db}
}

// Authenticate checks credentials and returns the admin, or nil when the
// username is unknown or the password does not match.
func (s *AdminStore) Authenticate(ctx context.Context, username, password string) (*Admin, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, super, created_at FROM admins WHERE username = $1
	`, username)
	var a Admin
	var hash string
	if err := row.Scan(&a.Username, &hash, &a.Super, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, nil
	}
	return &a, nil
}

// Create adds a new admin account.
func (s *AdminStore) Create(ctx context.Context, username, password string, super bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (username, password_hash, super)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO NOTHING
	`, username, hash, super)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAdminExists
	}
	return nil
}

// List returns all admins, never exposing password hashes.
func (s *AdminStore) List(ctx context.Context) ([]Admin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, super, created_at FROM admins ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var admins []Admin
	for rows.Next() {
		var a Admin
		if err := rows.Scan(&a.Username, &a.Super, &a.CreatedAt); err != nil {
			return nil, err
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

// Delete removes an admin. Super accounts cannot be deleted through this
// path; the bootstrap super must always survive.
func (s *AdminStore) Delete(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM admins WHERE username = $1 AND NOT super
	`, username)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EnsureSuper upserts the bootstrap super admin from config at startup.
func (s *AdminStore) EnsureSuper(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admins (username, password_hash, super)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			super = TRUE
	`, username, hash)
	return err
}
