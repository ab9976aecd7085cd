package sniffer

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))

	res, head, err := Detect(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypePNG, res.Type)
	assert.Equal(t, "image/png", res.MIME)
	assert.Equal(t, ".png", res.Extension())
	assert.NotEmpty(t, head)
}

func TestDetectHead(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		want MediaType
		ext  string
	}{
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, TypeJPEG, ".jpg"},
		{"gif", []byte("GIF89a...."), TypeGIF, ".gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), TypeWEBP, ".webp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := DetectHead(tc.head)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Type)
			assert.Equal(t, tc.ext, res.Extension())
		})
	}
}

func TestDetectHead_RejectsNonRaster(t *testing.T) {
	for _, head := range [][]byte{nil, []byte("<svg></svg>"), []byte("plain text")} {
		_, err := DetectHead(head)
		assert.ErrorIs(t, err, ErrUnknownType)
	}
	_, _, err := Detect(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMimeTypeFromHTTP(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, MimeTypeFromHTTP(h))
	h.Set("Content-Type", "image/png; charset=binary")
	assert.Equal(t, "image/png", MimeTypeFromHTTP(h))
}
