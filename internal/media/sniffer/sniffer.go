package sniffer

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
)

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypePNG  MediaType = "png"
	TypeGIF  MediaType = "gif"
	TypeWEBP MediaType = "webp"
)

const headLen = 512

var ErrUnknownType = errors.New("unsupported image type")

type Result struct {
	Type MediaType
	MIME string
}

// Extension returns the file extension, dot included, used when the bytes are uploaded.
func (r Result) Extension() string {
	if r.Type == TypeJPEG {
		return ".jpg"
	}
	return "." + string(r.Type)
}

// signature matches magic bytes at a fixed offset.
type signature struct {
	offset int
	magic  []byte
	result Result
}

var signatures = []signature{
	{0, []byte{0xff, 0xd8, 0xff}, Result{TypeJPEG, "image/jpeg"}},
	{0, []byte("\x89PNG\r\n\x1a\n"), Result{TypePNG, "image/png"}},
	{0, []byte("GIF87a"), Result{TypeGIF, "image/gif"}},
	{0, []byte("GIF89a"), Result{TypeGIF, "image/gif"}},
	{8, []byte("WEBP"), Result{TypeWEBP, "image/webp"}},
}

func (s signature) match(head []byte) bool {
	end := s.offset + len(s.magic)
	if len(head) < end {
		return false
	}
	if s.result.Type == TypeWEBP && !bytes.HasPrefix(head, []byte("RIFF")) {
		return false
	}
	return bytes.Equal(head[s.offset:end], s.magic)
}

// Detect reads up to the first 512 bytes of r and identifies the image format. The bytes
// consumed are returned so callers can stitch the stream back together.
func Detect(r io.Reader) (Result, []byte, error) {
	head := make([]byte, headLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Result{}, nil, err
	}
	head = head[:n]

	result, err := DetectHead(head)
	return result, head, err
}

// DetectHead recognizes the raster formats the mask and canvas pipeline can decode.
func DetectHead(head []byte) (Result, error) {
	for _, sig := range signatures {
		if sig.match(head) {
			return sig.result, nil
		}
	}
	return Result{}, ErrUnknownType
}

func MimeTypeFromHTTP(header http.Header) string {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mediaType
}
