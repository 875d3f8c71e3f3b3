package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// downloadTimeout bounds every blob fetch.
const downloadTimeout = 60 * time.Second

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// BlobStorage wraps the object store holding the uploaded clinical documents.
type BlobStorage struct {
	client *minio.Client
	bucket string
}

// NewBlobStorage builds the client from MINIO_* environment variables and
// makes sure the bucket exists.
func NewBlobStorage() (*BlobStorage, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT not set in environment")
	}

	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	useSSL := strings.EqualFold(os.Getenv("MINIO_USE_SSL"), "true")

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "clinical-documents"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	s := &BlobStorage{client: client, bucket: bucket}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		log.Printf("✓ Created storage bucket: %s", bucket)
	}

	log.Printf("[BlobStorage] Connected to %s (bucket: %s)", endpoint, bucket)
	return s, nil
}

// Bucket returns the configured bucket name.
func (s *BlobStorage) Bucket() string {
	return s.bucket
}

// ObjectKey builds clinical_documents/{chart_number}/{unix_ms}_{sanitized_basename}.{ext}
func ObjectKey(chartNumber, fileName string) string {
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	base = unsafeKeyChars.ReplaceAllString(base, "_")
	if ext == "" {
		return fmt.Sprintf("clinical_documents/%s/%d_%s", chartNumber, time.Now().UnixMilli(), base)
	}
	return fmt.Sprintf("clinical_documents/%s/%d_%s.%s", chartNumber, time.Now().UnixMilli(), base, ext)
}

// Upload stores one document blob and returns its key and URL.
func (s *BlobStorage) Upload(ctx context.Context, chartNumber, fileName string, r io.Reader, size int64, contentType string) (string, string, error) {
	key := ObjectKey(chartNumber, fileName)

	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"chart-number":  chartNumber,
			"original-name": filepath.Base(fileName),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to upload %s: %w", fileName, err)
	}

	url := fmt.Sprintf("%s/%s/%s", s.client.EndpointURL().String(), s.bucket, key)
	return key, url, nil
}

// Download fetches a blob. Callers own the reader. The fetch is bounded so a
// dead blob store fails the document instead of hanging the worker.
func (s *BlobStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch blob %s: %w", key, err)
	}

	// Stat forces the first request so missing objects surface here, not at
	// first read
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		cancel()
		return nil, fmt.Errorf("failed to stat blob %s: %w", key, err)
	}

	return &cancelReadCloser{ReadCloser: obj, cancel: cancel}, nil
}

// DownloadToTemp writes a blob to a temporary file and returns its path.
// The caller removes the file when done.
func (s *BlobStorage) DownloadToTemp(ctx context.Context, key string) (string, error) {
	r, err := s.Download(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	f, err := os.CreateTemp("", "medx-doc-*"+filepath.Ext(key))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Delete removes a blob.
func (s *BlobStorage) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// PresignedURL returns a time-limited download link for the dashboard.
func (s *BlobStorage) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
