// Package store implements the durable Upload Metadata Store and Client
// Location Store against PostgreSQL, grounded on the teacher's pgx/v5
// stdlib-driver pattern.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a FileInfo row.
type Status string

const (
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusTransferred Status = "transferred"
	StatusFailed      Status = "failed"
)

// FileInfo is one row of the Upload Metadata Store (§3, §4.A).
type FileInfo struct {
	UploadURI        string
	FileName         string
	TotalSize        int64
	Offset           int64
	Status           Status
	ExpectedChecksum string
	ChecksumVerified bool
	ObjectKey        string
	CallbackSent     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ErrNotFound is returned by findByURI-style lookups when no row matches.
var ErrNotFound = errors.New("upload not found")

// ErrNoRowsAffected signals that a conditional update matched zero rows —
// used to detect the race described in §5 for the completed transition.
var ErrNoRowsAffected = errors.New("conditional update affected no rows")

// MetadataStore is the Upload Metadata Store contract from §4.A.
type MetadataStore interface {
	Insert(ctx context.Context, fi FileInfo) error
	FindByURI(ctx context.Context, uri string) (FileInfo, error)
	Save(ctx context.Context, fi FileInfo) error
	// CompleteIfOffsetMatches performs the conditional transition
	// uploading -> completed, succeeding only if the row's current
	// offset equals totalSize and its status is still uploading. This is
	// the mechanism by which exactly one concurrent APPEND triggers the
	// Completion Pipeline (§5).
	CompleteIfOffsetMatches(ctx context.Context, uri string) (bool, error)
	FindByStatus(ctx context.Context, status Status) ([]FileInfo, error)
	// FindAll returns every row, regardless of status, for the Progress
	// API's list projection (§4.H).
	FindAll(ctx context.Context) ([]FileInfo, error)
	FindStaleByStatus(ctx context.Context, status Status, olderThan time.Time) ([]FileInfo, error)
	Delete(ctx context.Context, uri string) error
	// DeleteIfNotUpdatedSince deletes the row only if updatedAt has not
	// advanced past the given watermark, so a sweeper never deletes a
	// row that an in-flight APPEND has since touched (§4.F, P6).
	DeleteIfNotUpdatedSince(ctx context.Context, uri string, watermark time.Time) (bool, error)
}

// PostgresMetadataStore is the Postgres-backed MetadataStore.
type PostgresMetadataStore struct {
	db *sql.DB
}

func NewPostgresMetadataStore(db *sql.DB) *PostgresMetadataStore {
	return &PostgresMetadataStore{db: db}
}

func (s *PostgresMetadataStore) Insert(ctx context.Context, fi FileInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_info (
			upload_uri, file_name, total_size, offset_bytes, status,
			expected_checksum, checksum_verified, object_key, callback_sent,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		fi.UploadURI, fi.FileName, fi.TotalSize, fi.Offset, fi.Status,
		nullString(fi.ExpectedChecksum), fi.ChecksumVerified, nullString(fi.ObjectKey), fi.CallbackSent,
		fi.CreatedAt, fi.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file_info: %w", err)
	}
	return nil
}

func (s *PostgresMetadataStore) FindByURI(ctx context.Context, uri string) (FileInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT upload_uri, file_name, total_size, offset_bytes, status,
		       COALESCE(expected_checksum, ''), checksum_verified, COALESCE(object_key, ''),
		       callback_sent, created_at, updated_at
		FROM file_info WHERE upload_uri = $1`, uri)

	var fi FileInfo
	err := row.Scan(&fi.UploadURI, &fi.FileName, &fi.TotalSize, &fi.Offset, &fi.Status,
		&fi.ExpectedChecksum, &fi.ChecksumVerified, &fi.ObjectKey,
		&fi.CallbackSent, &fi.CreatedAt, &fi.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileInfo{}, ErrNotFound
	}
	if err != nil {
		return FileInfo{}, fmt.Errorf("find file_info: %w", err)
	}
	return fi, nil
}

// Save overwrites every mutable field of the row keyed by UploadURI. The
// underlying UPDATE is a single statement, so readers always observe
// either the pre-image or the post-image, never a torn record.
func (s *PostgresMetadataStore) Save(ctx context.Context, fi FileInfo) error {
	fi.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_info SET
			offset_bytes = $2, status = $3, expected_checksum = $4,
			checksum_verified = $5, object_key = $6, callback_sent = $7,
			updated_at = $8
		WHERE upload_uri = $1`,
		fi.UploadURI, fi.Offset, fi.Status, nullString(fi.ExpectedChecksum),
		fi.ChecksumVerified, nullString(fi.ObjectKey), fi.CallbackSent, fi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save file_info: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresMetadataStore) CompleteIfOffsetMatches(ctx context.Context, uri string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_info SET status = $2, updated_at = $3
		WHERE upload_uri = $1 AND status = $4 AND offset_bytes = total_size`,
		uri, StatusCompleted, time.Now().UTC(), StatusUploading)
	if err != nil {
		return false, fmt.Errorf("complete file_info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete file_info rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresMetadataStore) FindByStatus(ctx context.Context, status Status) ([]FileInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upload_uri, file_name, total_size, offset_bytes, status,
		       COALESCE(expected_checksum, ''), checksum_verified, COALESCE(object_key, ''),
		       callback_sent, created_at, updated_at
		FROM file_info WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("find by status: %w", err)
	}
	defer rows.Close()
	return scanFileInfos(rows)
}

func (s *PostgresMetadataStore) FindAll(ctx context.Context) ([]FileInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upload_uri, file_name, total_size, offset_bytes, status,
		       COALESCE(expected_checksum, ''), checksum_verified, COALESCE(object_key, ''),
		       callback_sent, created_at, updated_at
		FROM file_info ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("find all: %w", err)
	}
	defer rows.Close()
	return scanFileInfos(rows)
}

func (s *PostgresMetadataStore) FindStaleByStatus(ctx context.Context, status Status, olderThan time.Time) ([]FileInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upload_uri, file_name, total_size, offset_bytes, status,
		       COALESCE(expected_checksum, ''), checksum_verified, COALESCE(object_key, ''),
		       callback_sent, created_at, updated_at
		FROM file_info WHERE status = $1 AND updated_at < $2`, status, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale by status: %w", err)
	}
	defer rows.Close()
	return scanFileInfos(rows)
}

func (s *PostgresMetadataStore) Delete(ctx context.Context, uri string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_info WHERE upload_uri = $1`, uri)
	if err != nil {
		return fmt.Errorf("delete file_info: %w", err)
	}
	return nil
}

func (s *PostgresMetadataStore) DeleteIfNotUpdatedSince(ctx context.Context, uri string, watermark time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM file_info WHERE upload_uri = $1 AND updated_at = $2`, uri, watermark)
	if err != nil {
		return false, fmt.Errorf("conditional delete file_info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conditional delete rows affected: %w", err)
	}
	return n == 1, nil
}

func scanFileInfos(rows *sql.Rows) ([]FileInfo, error) {
	var out []FileInfo
	for rows.Next() {
		var fi FileInfo
		if err := rows.Scan(&fi.UploadURI, &fi.FileName, &fi.TotalSize, &fi.Offset, &fi.Status,
			&fi.ExpectedChecksum, &fi.ChecksumVerified, &fi.ObjectKey,
			&fi.CallbackSent, &fi.CreatedAt, &fi.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file_info: %w", err)
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
