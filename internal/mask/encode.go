package mask

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	// decoders for uploaded and marked images
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

const dataURIPrefix = "data:image/png;base64,"

var ErrEmptyMask = errors.New("empty mask payload")

// EncodeDataURI writes m as an opaque three channel PNG wrapped in a base64 data URI.
func EncodeDataURI(m *image.Gray) (string, error) {
	rgb := image.NewNRGBA(image.Rect(0, 0, m.Rect.Dx(), m.Rect.Dy()))
	for y := 0; y < m.Rect.Dy(); y++ {
		for x := 0; x < m.Rect.Dx(); x++ {
			v := m.Pix[y*m.Stride+x]
			i := y*rgb.Stride + x*4
			rgb.Pix[i], rgb.Pix[i+1], rgb.Pix[i+2], rgb.Pix[i+3] = v, v, v, 0xff
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgb); err != nil {
		return "", fmt.Errorf("encode mask png: %w", err)
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeDataURI parses a mask payload, with or without its data URI prefix.
func DecodeDataURI(payload string) (*image.Gray, error) {
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode mask image: %w", err)
	}
	return ToGray(img), nil
}

// NormalizeDataURI cleans up a server supplied mask and re-encodes it, optionally inverted.
func NormalizeDataURI(payload string, invert bool) (string, error) {
	m, err := DecodeDataURI(payload)
	if err != nil {
		return "", err
	}
	if invert {
		m = Invert(m)
	}
	return EncodeDataURI(m)
}

func decodeBase64(payload string) ([]byte, error) {
	if idx := strings.LastIndex(payload, "base64,"); idx >= 0 {
		payload = payload[idx+len("base64,"):]
	}
	payload = strings.Join(strings.Fields(payload), "")
	payload = strings.TrimRight(payload, `\`)
	payload = strings.TrimRight(payload, "=")
	if payload == "" {
		return nil, ErrEmptyMask
	}
	if rem := len(payload) % 4; rem != 0 {
		payload += strings.Repeat("=", 4-rem)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode mask base64: %w", err)
	}
	return raw, nil
}
