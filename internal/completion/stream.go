package completion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

var ErrNoImage = errors.New("no image produced")

const (
	linePrefix    = "data:"
	maxStreamLine = 16 << 20
)

type Response struct {
	URLs    []string
	Session Session
	// Data is the last image data array seen in the stream.
	Data json.RawMessage
}

type envelope struct {
	EventData string `json:"event_data"`
}

type eventIDs struct {
	ConversationID *string `json:"conversation_id"`
	SectionID      string  `json:"section_id"`
	ReplyID        string  `json:"reply_id"`
}

type eventMessage struct {
	Message *struct {
		ContentType int `json:"content_type"`
		// Content is usually a JSON document encoded as a string, occasionally inlined.
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type imageContent struct {
	Data []json.RawMessage `json:"data"`
}

type imageRef struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type imageEntry struct {
	ImageRaw    *imageRef `json:"image_raw"`
	ImageOri    *imageRef `json:"image_ori"`
	Description string    `json:"description"`
}

// ParseStream reads the event stream line by line. Malformed events are logged and
// skipped. A stream that yields no image URL fails with ErrNoImage. A read error after
// images have arrived keeps what was collected.
func ParseStream(r io.Reader, log zerolog.Logger) (Response, error) {
	var resp Response

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxStreamLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(raw, []byte(linePrefix)) {
			continue
		}
		if err := resp.apply(bytes.TrimPrefix(raw, []byte(linePrefix))); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("skipping malformed stream event")
		}
	}
	if err := scanner.Err(); err != nil {
		if len(resp.URLs) == 0 {
			return Response{}, fmt.Errorf("read stream: %w", err)
		}
		log.Warn().Err(err).Int("images", len(resp.URLs)).Msg("stream cut short, keeping collected images")
	}

	if len(resp.URLs) == 0 {
		return Response{}, ErrNoImage
	}
	return resp, nil
}

func (r *Response) apply(payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventData == "" {
		return nil
	}

	var ids eventIDs
	if err := json.Unmarshal([]byte(env.EventData), &ids); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	if ids.ConversationID != nil {
		r.Session = Session{ConversationID: *ids.ConversationID, SectionID: ids.SectionID, ReplyID: ids.ReplyID}
	}

	var ev eventMessage
	if err := json.Unmarshal([]byte(env.EventData), &ev); err != nil {
		return fmt.Errorf("decode event message: %w", err)
	}
	if ev.Message == nil || ev.Message.ContentType != ContentTypeImage {
		return nil
	}
	raw, err := unquoteContent(ev.Message.Content)
	if err != nil {
		return fmt.Errorf("decode image content: %w", err)
	}
	var content imageContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("decode image content: %w", err)
	}
	if content.Data == nil {
		return nil
	}

	data, err := json.Marshal(content.Data)
	if err != nil {
		return err
	}
	r.Data = data
	for _, item := range content.Data {
		var entry imageEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		if u := entry.url(); u != "" {
			r.URLs = append(r.URLs, u)
		}
	}
	return nil
}

func unquoteContent(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (e imageEntry) url() string {
	if e.ImageRaw != nil && e.ImageRaw.URL != "" {
		return e.ImageRaw.URL
	}
	if e.ImageOri != nil {
		return e.ImageOri.URL
	}
	return ""
}

type ImageMeta struct {
	Width       int
	Height      int
	Description string
}

// FirstImageMeta reads the size and description of the first image in a data array,
// defaulting to 1024x1024.
func FirstImageMeta(data json.RawMessage) ImageMeta {
	meta := ImageMeta{Width: defaultImageSide, Height: defaultImageSide}
	var items []imageEntry
	if len(data) == 0 || json.Unmarshal(data, &items) != nil || len(items) == 0 {
		return meta
	}
	first := items[0]
	meta.Description = first.Description
	ref := first.ImageRaw
	if ref == nil {
		ref = first.ImageOri
	}
	if ref != nil && ref.Width > 0 && ref.Height > 0 {
		meta.Width, meta.Height = ref.Width, ref.Height
	}
	return meta
}
