package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ClientLocation is one row of the Client Location Store (§3, §4.B).
type ClientLocation struct {
	Fingerprint string
	UploadURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LocationStore is the Client Location Store contract from §4.B. Get must
// return ErrNotFound and self-heal (remove the row) if the stored value
// does not parse as a URL.
type LocationStore interface {
	Put(ctx context.Context, fingerprint, uploadURL string) error
	Get(ctx context.Context, fingerprint string) (string, error)
	Remove(ctx context.Context, fingerprint string) error
}

// PostgresLocationStore is the server-colocated LocationStore.
type PostgresLocationStore struct {
	db *sql.DB
}

func NewPostgresLocationStore(db *sql.DB) *PostgresLocationStore {
	return &PostgresLocationStore{db: db}
}

func (s *PostgresLocationStore) Put(ctx context.Context, fingerprint, uploadURL string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_location (fingerprint, upload_url, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET upload_url = $2, updated_at = $3`,
		fingerprint, uploadURL, now)
	if err != nil {
		return fmt.Errorf("put client_location: %w", err)
	}
	return nil
}

func (s *PostgresLocationStore) Get(ctx context.Context, fingerprint string) (string, error) {
	var uploadURL string
	err := s.db.QueryRowContext(ctx, `
		SELECT upload_url FROM client_location WHERE fingerprint = $1`, fingerprint).Scan(&uploadURL)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get client_location: %w", err)
	}

	if _, err := url.ParseRequestURI(uploadURL); err != nil {
		_ = s.Remove(ctx, fingerprint)
		return "", ErrNotFound
	}
	return uploadURL, nil
}

func (s *PostgresLocationStore) Remove(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM client_location WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("remove client_location: %w", err)
	}
	return nil
}
