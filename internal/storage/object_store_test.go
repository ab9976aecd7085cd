package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestudio/internal/config"
)

func TestPublicURL(t *testing.T) {
	cases := []struct {
		endpoint string
		useSSL   bool
		want     string
	}{
		{"minio:9000", false, "http://minio:9000/canvases/a.jpg"},
		{"minio:9000", true, "https://minio:9000/canvases/a.jpg"},
		{"https://cdn.example.com/", false, "https://cdn.example.com/canvases/a.jpg"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PublicURL(tc.endpoint, tc.useSSL, "canvases", "a.jpg"), tc.endpoint)
	}
}

func TestObjectStore_KeysAreDatePrefixed(t *testing.T) {
	s, err := NewObjectStore(config.StorageConfig{
		Endpoint:       "http://localhost:9000",
		AccessKey:      "key",
		SecretKey:      "secret",
		BucketCanvases: "canvases",
		BucketMasks:    "masks",
		Region:         "us-east-1",
	})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC) }

	assert.Equal(t, "2025/03/09/img.jpg", s.objectKey("img.jpg"))
	assert.Equal(t, "http://localhost:9000/canvases/2025/03/09/img.jpg", s.PublicURL("canvases", s.objectKey("img.jpg")))
}
