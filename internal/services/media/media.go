package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
)

// DefaultMaxBytes bounds an audio object when no limit is configured
const DefaultMaxBytes = 25 << 20

// Object is a fetched media object
type Object struct {
	Key         string
	Filename    string
	ContentType string
	Data        []byte
}

// Fetcher reads media objects referenced by AI requests
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*Object, error)
}

// MinIOFetcher reads objects from one MinIO bucket
type MinIOFetcher struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
	logger   *logrus.Logger
}

// NewMinIOFetcher connects to MinIO and checks that the bucket exists
func NewMinIOFetcher(ctx context.Context, cfg config.MediaConfig, logger *logrus.Logger) (*MinIOFetcher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to minio server: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket %q does not exist", cfg.Bucket)
	}

	logger.WithFields(logrus.Fields{
		"endpoint": cfg.Endpoint,
		"bucket":   cfg.Bucket,
	}).Info("Media store connected")

	return &MinIOFetcher{
		client:   client,
		bucket:   cfg.Bucket,
		maxBytes: maxBytes(cfg.MaxBytes),
		logger:   logger,
	}, nil
}

func (m *MinIOFetcher) Fetch(ctx context.Context, key string) (*Object, error) {
	if key == "" {
		return nil, errs.Invalid("objectKey", "must not be empty")
	}

	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, m.mapError(key, err)
	}
	if info.Size > m.maxBytes {
		return nil, errs.Invalid("objectKey", fmt.Sprintf("object exceeds %d bytes", m.maxBytes))
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.mapError(key, err)
	}
	defer obj.Close()

	data, err := readLimited(obj, m.maxBytes)
	if err != nil {
		return nil, m.mapError(key, err)
	}

	m.logger.WithFields(logrus.Fields{
		"key":  key,
		"size": len(data),
	}).Debug("Fetched media object")

	return &Object{
		Key:         key,
		Filename:    path.Base(key),
		ContentType: info.ContentType,
		Data:        data,
	}, nil
}

func (m *MinIOFetcher) mapError(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: media object %s", errs.ErrNotFound, key)
	case "AccessDenied":
		return fmt.Errorf("%w: media object %s", errs.ErrPermissionDenied, key)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.FromContext(err)
	}
	return fmt.Errorf("%w: failed to fetch media object %s: %v", errs.ErrUnavailable, key, err)
}

// MemoryFetcher serves objects held in process memory
type MemoryFetcher struct {
	mu       sync.RWMutex
	objects  map[string]*Object
	maxBytes int64
}

func NewMemoryFetcher(limit int64) *MemoryFetcher {
	return &MemoryFetcher{objects: make(map[string]*Object), maxBytes: maxBytes(limit)}
}

// Put stores an object under key
func (m *MemoryFetcher) Put(key, contentType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &Object{
		Key:         key,
		Filename:    path.Base(key),
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}
}

func (m *MemoryFetcher) Fetch(ctx context.Context, key string) (*Object, error) {
	if key == "" {
		return nil, errs.Invalid("objectKey", "must not be empty")
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: media object %s", errs.ErrNotFound, key)
	}
	if int64(len(obj.Data)) > m.maxBytes {
		return nil, errs.Invalid("objectKey", fmt.Sprintf("object exceeds %d bytes", m.maxBytes))
	}
	out := *obj
	out.Data = append([]byte(nil), obj.Data...)
	return &out, nil
}

// readLimited reads at most limit bytes and fails if r holds more
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errs.Invalid("objectKey", fmt.Sprintf("object exceeds %d bytes", limit))
	}
	return data, nil
}

func maxBytes(limit int64) int64 {
	if limit <= 0 {
		return DefaultMaxBytes
	}
	return limit
}
