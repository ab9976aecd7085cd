package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"imagestudio/internal/remote"
)

// ErrStreamIdle is reported when the event stream goes quiet for longer than the idle timeout.
var ErrStreamIdle = errors.New("completion stream idle")

// Client issues completion jobs and reads their event streams.
type Client struct {
	remote   *remote.Client
	stream   *http.Client
	idle     time.Duration
	endpoint string
	log      zerolog.Logger
}

type Option func(*Client)

// WithStreamClient sends completions through hc instead of the remote client's transport.
// hc should carry no total timeout so long generations can keep streaming.
func WithStreamClient(hc *http.Client) Option {
	return func(c *Client) { c.stream = hc }
}

// WithIdleTimeout fails a stream that delivers no bytes for d. Zero disables the timer.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idle = d }
}

func NewClient(rc *remote.Client, endpoint string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		remote:   rc,
		stream:   rc.HTTP(),
		endpoint: endpoint,
		log:      log.With().Str("component", "completion").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts req to endpoint, or to the configured completion endpoint when empty.
func (c *Client) Send(ctx context.Context, req Request, endpoint string) (Response, error) {
	if endpoint == "" {
		endpoint = c.endpoint
	}
	body, err := Encode(req)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	httpReq, err := c.remote.NewRequest(ctx, http.MethodPost, endpoint, c.remote.Params(), body)
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if err := remote.CheckStatus(resp); err != nil {
		return Response{}, err
	}

	var stream io.Reader = resp.Body
	if c.idle > 0 {
		timer := time.AfterFunc(c.idle, func() { cancel(ErrStreamIdle) })
		defer timer.Stop()
		stream = &idleReader{r: resp.Body, timer: timer, idle: c.idle}
	}

	out, err := ParseStream(stream, c.log)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrStreamIdle) {
			return Response{}, fmt.Errorf("%w after %s: %v", ErrStreamIdle, c.idle, err)
		}
		return Response{}, err
	}
	c.log.Info().
		Int("images", len(out.URLs)).
		Str("conversation_id", out.Session.ConversationID).
		Str("reply_id", out.Session.ReplyID).
		Msg("completion finished")
	return out, nil
}

// Encode renders req with every message content serialized to a string, which is the
// only form the endpoint accepts.
func Encode(req Request) ([]byte, error) {
	messages := make([]Message, len(req.Messages))
	for i, m := range req.Messages {
		if _, ok := m.Content.(string); !ok {
			content, err := marshalNoEscape(m.Content)
			if err != nil {
				return nil, fmt.Errorf("encode message content: %w", err)
			}
			m.Content = string(content)
		}
		if m.Attachments == nil {
			m.Attachments = []any{}
		}
		messages[i] = m
	}
	req.Messages = messages

	body, err := marshalNoEscape(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return body, nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// idleReader pushes the idle deadline back whenever the stream delivers bytes.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}
