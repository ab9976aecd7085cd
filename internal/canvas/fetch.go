package canvas

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"
)

const maxDownloadBytes = 32 << 20

type Composer struct {
	client *http.Client
	log    zerolog.Logger
}

func NewComposer(client *http.Client, log zerolog.Logger) *Composer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Composer{client: client, log: log}
}

// ComposeURLs downloads the result images in order, skipping any that fail, and returns the
// composed canvas as JPEG bytes.
func (c *Composer) ComposeURLs(ctx context.Context, urls []string) ([]byte, error) {
	images := make([]image.Image, 0, len(urls))
	for _, u := range urls {
		if len(images) == MaxImages {
			break
		}
		img, err := c.download(ctx, u)
		if err != nil {
			c.log.Error().Err(err).Str("url", u).Msg("download result image failed")
			continue
		}
		images = append(images, img)
	}

	canvas, err := Compose(images)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Composer) download(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}
