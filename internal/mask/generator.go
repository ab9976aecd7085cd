package mask

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/rs/zerolog"
)

type Mode string

const (
	// ModeBrush uses the raw difference mask.
	ModeBrush Mode = "brush"
	// ModeCircle fills the largest region outlined by the user.
	ModeCircle Mode = "circle"
)

const fallbackSize = 512

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeCircle:
		return ModeCircle, nil
	case ModeBrush:
		return ModeBrush, nil
	}
	return "", fmt.Errorf("unknown mask mode %q", s)
}

// ArtifactSink receives encoded masks for debugging. Failures are logged and ignored.
type ArtifactSink interface {
	PutMaskArtifact(ctx context.Context, name string, data []byte) error
}

type Request struct {
	Original []byte
	Marked   []byte
	Mode     Mode
	Invert   bool
}

type Result struct {
	DataURI  string
	Width    int
	Height   int
	Fallback bool
	Reason   string
}

type Generator struct {
	log       zerolog.Logger
	artifacts ArtifactSink
}

func NewGenerator(artifacts ArtifactSink, log zerolog.Logger) *Generator {
	return &Generator{log: log, artifacts: artifacts}
}

// Generate derives an edit mask from an original and a user-marked copy. It never fails:
// any problem yields an all-zero mask of the original's size.
func (g *Generator) Generate(ctx context.Context, req Request) Result {
	original, _, err := image.Decode(bytes.NewReader(req.Original))
	if err != nil {
		return g.fallback(fallbackSize, fallbackSize, fmt.Errorf("decode original: %w", err))
	}
	w, h := original.Bounds().Dx(), original.Bounds().Dy()

	marked, _, err := image.Decode(bytes.NewReader(req.Marked))
	if err != nil {
		return g.fallback(w, h, fmt.Errorf("decode marked: %w", err))
	}

	m := DifferenceMask(original, marked)
	if req.Mode != ModeBrush {
		var found bool
		m, found = RegionMask(m)
		if !found {
			return g.fallback(w, h, fmt.Errorf("no region larger than %d px", MinRegionArea))
		}
	}
	if req.Invert {
		m = Invert(m)
	}

	uri, err := EncodeDataURI(m)
	if err != nil {
		return g.fallback(w, h, err)
	}
	g.saveArtifact(ctx, uri)

	return Result{DataURI: uri, Width: w, Height: h}
}

// Contrast returns the dominant colors of an image and the color contrasting its mean.
func (g *Generator) Contrast(data []byte) (color.RGBA, []Cluster, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return color.RGBA{}, nil, fmt.Errorf("decode image: %w", err)
	}
	return ContrastColor(img), DominantColors(img, DefaultClusters), nil
}

func (g *Generator) fallback(w, h int, cause error) Result {
	g.log.Warn().Err(cause).Int("width", w).Int("height", h).Msg("mask generation fell back to blank mask")
	uri, err := EncodeDataURI(Blank(w, h))
	if err != nil {
		g.log.Error().Err(err).Msg("encode blank mask")
	}
	return Result{DataURI: uri, Width: w, Height: h, Fallback: true, Reason: cause.Error()}
}

func (g *Generator) saveArtifact(ctx context.Context, uri string) {
	if g.artifacts == nil {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, dataURIPrefix))
	if err != nil {
		return
	}
	if err := g.artifacts.PutMaskArtifact(ctx, "debug_mask.png", raw); err != nil {
		g.log.Debug().Err(err).Msg("store mask artifact failed")
	}
}
