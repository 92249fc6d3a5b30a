// Package objectstore wires a MinIO client using the same endpoint
// normalisation and bucket sanity check as the teacher's minio.go, but as
// a constructed value rather than package-level globals so it can be
// passed into the completion pipeline and the readiness checker.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
}

// New connects to endpoint (either "host:port" or a full "http(s)://..."
// URL) and verifies bucket exists before returning, so misconfiguration is
// caught at boot rather than on the first upload.
func New(endpoint, accessKey, secretKey, bucket string, forceSSL bool) (*Store, error) {
	host, secure, err := normaliseEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("objectstore endpoint: %w", err)
	}
	if forceSSL {
		secure = true
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore bucket check: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("objectstore bucket does not exist: %s", bucket)
	}

	return &Store{client: client, bucket: bucket}, nil
}

// Put uploads size bytes read from r under objectKey.
func (s *Store) Put(ctx context.Context, objectKey string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// Remove deletes objectKey. Not finding it is not an error.
func (s *Store) Remove(ctx context.Context, objectKey string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectKey, minio.RemoveObjectOptions{})
}

// Ping is used by the readiness endpoint: it re-checks bucket existence,
// which exercises both connectivity and credentials.
func (s *Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s no longer exists", s.bucket)
	}
	return nil
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	return raw, false, nil
}
