package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestudio/internal/models"
	"imagestudio/internal/remote"
)

func eventLine(t *testing.T, ev map[string]any) string {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	env, err := json.Marshal(map[string]string{"event_data": string(data)})
	require.NoError(t, err)
	return "data:" + string(env)
}

func imageEvent(t *testing.T, urls ...string) map[string]any {
	t.Helper()
	items := make([]map[string]any, 0, len(urls))
	for _, u := range urls {
		items = append(items, map[string]any{
			"image_raw":   map[string]any{"url": u, "width": 1024, "height": 768},
			"description": "a cat",
		})
	}
	content, err := json.Marshal(map[string]any{"data": items})
	require.NoError(t, err)
	return map[string]any{"message": map[string]any{"content_type": ContentTypeImage, "content": string(content)}}
}

func conversationEvent(id, section, reply string) map[string]any {
	return map[string]any{"conversation_id": id, "section_id": section, "reply_id": reply}
}

func validStream(t *testing.T) []string {
	return []string{
		eventLine(t, conversationEvent("c1", "s1", "r1")),
		"",
		"event: ping",
		eventLine(t, imageEvent(t, "https://cdn.example/a~tplv.png", "https://cdn.example/b~tplv.png")),
		eventLine(t, map[string]any{"message": map[string]any{"content_type": 1, "content": "thinking"}}),
		eventLine(t, imageEvent(t, "https://cdn.example/c~tplv.png")),
	}
}

func TestParseStream_AccumulatesURLsInOrder(t *testing.T) {
	resp, err := ParseStream(strings.NewReader(strings.Join(validStream(t), "\n")), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://cdn.example/a~tplv.png",
		"https://cdn.example/b~tplv.png",
		"https://cdn.example/c~tplv.png",
	}, resp.URLs)
	assert.Equal(t, Session{ConversationID: "c1", SectionID: "s1", ReplyID: "r1"}, resp.Session)

	var data []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Len(t, data, 1, "data holds the last image event only")
}

func TestParseStream_MalformedLinesAreSkipped(t *testing.T) {
	clean := validStream(t)
	noisy := append([]string{}, clean[:2]...)
	noisy = append(noisy,
		"data:{not json",
		`data:{"event_data":"{broken"}`,
		eventLine(t, map[string]any{"message": map[string]any{"content_type": ContentTypeImage, "content": "]["}}),
	)
	noisy = append(noisy, clean[2:]...)

	want, err := ParseStream(strings.NewReader(strings.Join(clean, "\n")), zerolog.Nop())
	require.NoError(t, err)
	got, err := ParseStream(strings.NewReader(strings.Join(noisy, "\n")), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, want.URLs, got.URLs)
	assert.Equal(t, want.Session, got.Session)
}

func TestParseStream_LaterConversationWins(t *testing.T) {
	lines := []string{
		eventLine(t, conversationEvent("c1", "s1", "r1")),
		eventLine(t, imageEvent(t, "https://cdn.example/a.png")),
		eventLine(t, conversationEvent("c2", "s2", "r2")),
	}
	resp, err := ParseStream(strings.NewReader(strings.Join(lines, "\n")), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Session{ConversationID: "c2", SectionID: "s2", ReplyID: "r2"}, resp.Session)
}

func TestParseStream_FallsBackToOriginalImage(t *testing.T) {
	content, err := json.Marshal(map[string]any{"data": []map[string]any{
		{"image_ori": map[string]any{"url": "https://cdn.example/ori.png"}},
	}})
	require.NoError(t, err)
	line := eventLine(t, map[string]any{"message": map[string]any{"content_type": ContentTypeImage, "content": string(content)}})

	resp, err := ParseStream(strings.NewReader(line), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/ori.png"}, resp.URLs)
}

func TestParseStream_NoImage(t *testing.T) {
	lines := []string{eventLine(t, conversationEvent("c1", "s1", "r1")), "data:garbage"}
	_, err := ParseStream(strings.NewReader(strings.Join(lines, "\n")), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestFirstImageMeta(t *testing.T) {
	resp, err := ParseStream(strings.NewReader(eventLine(t, imageEvent(t, "https://cdn.example/a.png"))), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ImageMeta{Width: 1024, Height: 768, Description: "a cat"}, FirstImageMeta(resp.Data))
	assert.Equal(t, ImageMeta{Width: 1024, Height: 1024}, FirstImageMeta(nil))
}

func TestEncode_SerializesStructuredContent(t *testing.T) {
	req := NewBuilder().Edit(Session{ConversationID: "c1", SectionID: "s1"}, "make it blue", "https://cdn.example/x/tok123~tplv.png", "")
	body, err := Encode(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	messages := decoded["messages"].([]any)
	msg := messages[0].(map[string]any)

	content, ok := msg["content"].(string)
	require.True(t, ok, "content must be a string")
	assert.Contains(t, content, `"edit_image_token":"tok123"`)
	assert.Contains(t, content, `"outline_id":null`)
	assert.Equal(t, float64(ContentTypeRequest), msg["content_type"])
	assert.Equal(t, []any{}, msg["attachments"])

	// already serialized content is left alone
	req.Messages[0].Content = `{"text":"raw"}`
	body, err = Encode(req)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"content":"{\"text\":\"raw\"}"`)
}

func TestBuilder_Generate(t *testing.T) {
	b := Builder{Now: func() time.Time { return time.UnixMilli(1_700_000_000_123) }}

	first := b.Generate(Session{}, "一只猫", "动漫", "4:3")
	assert.True(t, first.CompletionOption.NeedCreateConversation)
	assert.Equal(t, "0", first.ConversationID)
	assert.Equal(t, "local_1700000000123", first.LocalConversationID)
	assert.Equal(t, "一只猫，图风格为「动漫」，比例「4:3」", first.Messages[0].Content.(Content).Text)
	assert.NotEmpty(t, first.LocalMessageID)
	assert.Equal(t, 1, first.CompletionOption.LaunchStage)
	assert.Equal(t, "0", first.CompletionOption.EventID)

	next := b.Generate(Session{ConversationID: "c1", SectionID: "s1"}, "一只狗", "", "")
	assert.False(t, next.CompletionOption.NeedCreateConversation)
	assert.Equal(t, "c1", next.ConversationID)
	assert.Equal(t, "s1", next.SectionID)
	assert.Equal(t, "一只狗", next.Messages[0].Content.(Content).Text)
	assert.NotEqual(t, first.LocalMessageID, next.LocalMessageID)
}

func TestBuilder_InpaintCarriesMask(t *testing.T) {
	req := NewBuilder().Inpaint(Session{}, "换成草地", "tos/key", "https://cdn.example/key.png", "data:image/png;base64,AAAA")
	img := req.Messages[0].Content.(Content).EditImage
	require.NotNil(t, img)
	assert.Equal(t, "inpainting", img.Ability)
	assert.Equal(t, "tos/key", img.EditImageToken)
	assert.Equal(t, "true", img.IsEditLocalImageV2)
	require.NotNil(t, img.IsEditLocalImage)
	assert.True(t, *img.IsEditLocalImage)

	ref := NewBuilder().Reference(Session{}, "p", "", "", "tos/key", "https://cdn.example/key.png")
	assert.Empty(t, ref.Messages[0].Content.(Content).EditImage.Ability)
}

func TestBuilder_Regenerate(t *testing.T) {
	params := models.OperationParams{Prompt: "p", ImageURL: "https://cdn.example/t~x.png", ImageToken: "t"}

	_, err := NewBuilder().Regenerate(Session{ConversationID: "c1"}, models.OperationEdit, params)
	assert.Error(t, err)

	req, err := NewBuilder().Regenerate(Session{ConversationID: "c1", SectionID: "s1", ReplyID: "r1"}, models.OperationOutpaint, params)
	require.NoError(t, err)
	assert.True(t, req.CompletionOption.IsRegen)
	assert.True(t, req.CompletionOption.WithSuggest)
	assert.Equal(t, "r1", req.ReplyID)
	assert.Equal(t, "t", req.Messages[0].Content.(Content).EditImage.EditImageToken)

	gen, err := NewBuilder().Regenerate(Session{ConversationID: "c1", ReplyID: "r1"}, models.OperationGenerate, params)
	require.NoError(t, err)
	assert.Nil(t, gen.Messages[0].Content.(Content).EditImage)
}

func TestImageToken(t *testing.T) {
	tests := map[string]string{
		"https://p3-flow.example.com/ocean-cloud-tos/abc123~tplv-a9rns2rl98-image.png?x-expires=1": "abc123",
		"https://cdn.example/plain.png": "plain.png",
		"rc_gen_image/xyz~noop":         "xyz",
	}
	for in, want := range tests {
		assert.Equal(t, want, ImageToken(in), in)
	}
}

func TestOutpaintExpansion(t *testing.T) {
	const eps = 1e-9
	sixth := 1.0 / 6.0

	box := OutpaintExpansion("1:1", 1024, 1024)
	assert.InDelta(t, sixth, box.Top, eps)
	assert.InDelta(t, sixth, box.Left, eps)

	box = OutpaintExpansion("16:9", 1024, 1024)
	assert.InDelta(t, (1024*16.0/9.0-1024)/1024/2, box.Left, eps)
	assert.Equal(t, box.Left, box.Right)
	assert.Zero(t, box.Top)

	box = OutpaintExpansion("9:16", 1024, 1024)
	assert.InDelta(t, (1024*16.0/9.0-1024)/1024/2, box.Top, eps)
	assert.Zero(t, box.Left)

	box = OutpaintExpansion("2:3", 1000, 1000)
	assert.InDelta(t, 0.25, box.Top, eps)

	box = OutpaintExpansion("max", 1024, 2048)
	assert.InDelta(t, 0.5, box.Top, eps)
	assert.InDelta(t, 0.5, box.Left, eps)

	assert.Equal(t, OutpaintExpansion("4:3", 900, 900), OutpaintExpansion("bogus", 900, 900))
	assert.Equal(t, OutpaintExpansion("4:3", 1024, 1024), OutpaintExpansion("4:3", 0, 0))

	// already wider than the target: nothing to add
	box = OutpaintExpansion("4:3", 2000, 1000)
	assert.Zero(t, box.Left)
}

func TestClient_Send(t *testing.T) {
	lines := validStream(t)
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/samantha/chat/completion", r.URL.Path)
		assert.Equal(t, "497858", r.URL.Query().Get("aid"))
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		bodies <- body

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()

	rc := remote.NewClient(srv.URL, remote.Credentials{MsToken: "ms"}, srv.Client(), zerolog.Nop())
	c := NewClient(rc, "/samantha/chat/completion", zerolog.Nop())

	resp, err := c.Send(context.Background(), NewBuilder().Generate(Session{}, "猫", "", ""), "")
	require.NoError(t, err)
	assert.Len(t, resp.URLs, 3)
	assert.Equal(t, "c1", resp.Session.ConversationID)

	body := <-bodies
	assert.IsType(t, "", body["messages"].([]any)[0].(map[string]any)["content"])
}

func TestClient_SendSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rc := remote.NewClient(srv.URL, remote.Credentials{}, srv.Client(), zerolog.Nop())
	_, err := NewClient(rc, "/samantha/chat/completion", zerolog.Nop()).Send(context.Background(), NewBuilder().Generate(Session{}, "猫", "", ""), "")
	assert.ErrorIs(t, err, remote.ErrAPI)
}

func trickleServer(t *testing.T, lines []string, gap, stall time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
			select {
			case <-time.After(gap):
			case <-r.Context().Done():
				return
			}
		}
		select {
		case <-time.After(stall):
		case <-r.Context().Done():
		}
	}))
}

func streamingClient(srvURL string, idle time.Duration) *Client {
	rc := remote.NewClient(srvURL, remote.Credentials{}, http.DefaultClient, zerolog.Nop())
	return NewClient(rc, "/samantha/chat/completion", zerolog.Nop(),
		WithStreamClient(remote.NewStreamingClient(remote.DefaultRetryPolicy(), idle, zerolog.Nop())),
		WithIdleTimeout(idle),
	)
}

func TestClient_SlowStreamOutlivesIdleTimeout(t *testing.T) {
	srv := trickleServer(t, validStream(t), 150*time.Millisecond, 0)
	defer srv.Close()

	start := time.Now()
	resp, err := streamingClient(srv.URL, 300*time.Millisecond).Send(context.Background(), NewBuilder().Generate(Session{}, "猫", "", ""), "")
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 600*time.Millisecond)
	assert.Len(t, resp.URLs, 3)
	assert.Equal(t, "c1", resp.Session.ConversationID)
}

func TestClient_SilentStreamFailsWithIdle(t *testing.T) {
	lines := []string{eventLine(t, conversationEvent("c1", "s1", "r1"))}
	srv := trickleServer(t, lines, 0, 5*time.Second)
	defer srv.Close()

	_, err := streamingClient(srv.URL, 100*time.Millisecond).Send(context.Background(), NewBuilder().Generate(Session{}, "猫", "", ""), "")
	assert.ErrorIs(t, err, ErrStreamIdle)
}

func TestClient_StalledStreamKeepsCollectedImages(t *testing.T) {
	lines := []string{
		eventLine(t, conversationEvent("c1", "s1", "r1")),
		eventLine(t, imageEvent(t, "https://cdn.example/a.png")),
	}
	srv := trickleServer(t, lines, 0, 5*time.Second)
	defer srv.Close()

	resp, err := streamingClient(srv.URL, 100*time.Millisecond).Send(context.Background(), NewBuilder().Generate(Session{}, "猫", "", ""), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/a.png"}, resp.URLs)
}

func TestParseStream_InlineContentKeepsConversation(t *testing.T) {
	inline := map[string]any{
		"conversation_id": "c7",
		"section_id":      "s7",
		"reply_id":        "r7",
		"message": map[string]any{
			"content_type": ContentTypeImage,
			"content": map[string]any{"data": []any{
				map[string]any{"image_ori": map[string]any{"url": "https://cdn.example/o.png"}},
			}},
		},
	}
	resp, err := ParseStream(strings.NewReader(eventLine(t, inline)), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/o.png"}, resp.URLs)
	assert.Equal(t, Session{ConversationID: "c7", SectionID: "s7", ReplyID: "r7"}, resp.Session)
}

func TestParseStream_UndecodableContentKeepsConversation(t *testing.T) {
	bad := map[string]any{
		"conversation_id": "c8",
		"message":         map[string]any{"content_type": ContentTypeImage, "content": "{not json"},
	}
	lines := []string{eventLine(t, bad), eventLine(t, imageEvent(t, "https://cdn.example/a.png"))}
	resp, err := ParseStream(strings.NewReader(strings.Join(lines, "\n")), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "c8", resp.Session.ConversationID)
}
