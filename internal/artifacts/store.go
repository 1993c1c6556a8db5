// Package artifacts stores generated images in a MinIO bucket.
package artifacts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"fictures/api/internal/util"
)

// maxImageBytes caps a fetched artifact. Generated covers are a few MB.
const maxImageBytes = 32 << 20

// DefaultURLExpiry is how long presigned artifact links stay valid.
const DefaultURLExpiry = 24 * time.Hour

// Store writes and serves image artifacts from a single bucket.
type Store struct {
	client *minio.Client
	bucket string
	http   *http.Client
	log    *zap.Logger
}

// New connects to MinIO. The bucket is created lazily via EnsureBucket.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{
		client: client,
		bucket: bucket,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    logger.Named("artifacts"),
	}, nil
}

// EnsureBucket creates the artifact bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	s.log.Info("created artifact bucket", zap.String("bucket", s.bucket))
	return nil
}

// SceneImageKey returns a fresh object key for a generated scene image.
func SceneImageKey(sceneID string) string {
	return fmt.Sprintf("scenes/%s/%s.png", sceneID, util.NewID("img"))
}

// StoreImage persists an image under key. The ai-server returns images as
// base64 data URLs; plain http(s) sources are fetched instead.
func (s *Store) StoreImage(ctx context.Context, key, source string) error {
	data, contentType, err := s.resolveSource(ctx, source)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, contentType, data)
}

// Put writes raw artifact bytes under key.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Debug("stored artifact", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// PresignedURL returns a time-limited GET link for an artifact.
func (s *Store) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Remove deletes an artifact.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *Store) resolveSource(ctx context.Context, source string) ([]byte, string, error) {
	if strings.HasPrefix(source, "data:") {
		return decodeDataURL(source)
	}
	return s.fetch(ctx, source)
}

func decodeDataURL(source string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(source, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data url")
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == meta {
		return nil, "", fmt.Errorf("data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}

func (s *Store) fetch(ctx context.Context, source string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}
