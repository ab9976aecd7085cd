package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"imagestudio/internal/config"
	"imagestudio/internal/ids"
)

type ObjectStore struct {
	client *minio.Client
	cfg    config.StorageConfig
	now    func() time.Time
}

func NewObjectStore(cfg config.StorageConfig) (*ObjectStore, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

func (s *ObjectStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.cfg.BucketCanvases, s.cfg.BucketMasks} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// PutCanvas stores a composed JPEG canvas and returns its public URL.
func (s *ObjectStore) PutCanvas(ctx context.Context, imageID string, data []byte) (string, error) {
	if imageID == "" {
		imageID = ids.New()
	}
	key := s.objectKey(imageID + ".jpg")
	if err := s.put(ctx, s.cfg.BucketCanvases, key, data, "image/jpeg"); err != nil {
		return "", err
	}
	return s.PublicURL(s.cfg.BucketCanvases, key), nil
}

// PutMaskArtifact keeps a generated mask for later inspection.
func (s *ObjectStore) PutMaskArtifact(ctx context.Context, name string, data []byte) error {
	key := s.objectKey(ids.New() + "_" + path.Base(name))
	return s.put(ctx, s.cfg.BucketMasks, key, data, "image/png")
}

func (s *ObjectStore) put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *ObjectStore) objectKey(name string) string {
	return path.Join(s.now().UTC().Format("2006/01/02"), name)
}

func (s *ObjectStore) PublicURL(bucket, objectKey string) string {
	return PublicURL(s.cfg.Endpoint, s.cfg.UseSSL, bucket, objectKey)
}

// PublicURL joins an endpoint with a bucket and key. Endpoints without a scheme take
// https unless useSSL is false.
func PublicURL(endpoint string, useSSL bool, bucket, objectKey string) string {
	base := strings.TrimSuffix(endpoint, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		scheme := "https://"
		if !useSSL {
			scheme = "http://"
		}
		base = scheme + base
	}
	return fmt.Sprintf("%s/%s/%s", base, bucket, objectKey)
}

