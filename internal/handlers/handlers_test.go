package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestudio/internal/canvas"
	"imagestudio/internal/completion"
	"imagestudio/internal/config"
	"imagestudio/internal/middleware"
	"imagestudio/internal/models"
	"imagestudio/internal/repository"
	"imagestudio/internal/security"
	"imagestudio/internal/service"
)

var testConfig = &config.AppConfig{
	Environment: "test",
	HTTP:        config.HTTPConfig{MaxUploadBytes: 1 << 20},
	Security: config.SecurityConfig{
		JWTAccessSecret: "jwt-secret",
		JWTAccessTTL:    time.Hour,
		SignatureSecret: "sig-secret",
		DispatcherID:    "dispatcher",
	},
}

type fakeImages struct {
	lastContinue service.ContinueInput
	lastInpaint  service.InpaintInput
	lastChatID   string
	err          error
	records      map[string]models.ImageRecord
}

func (f *fakeImages) result(id string) (service.OperationResult, error) {
	if f.err != nil {
		return service.Failure(f.err), f.err
	}
	return service.OperationResult{Success: true, ID: id, URLs: []string{"https://cdn/" + id}}, nil
}

func (f *fakeImages) Generate(_ context.Context, in service.GenerateInput) (service.OperationResult, error) {
	f.lastChatID = in.ChatID
	return f.result("gen")
}

func (f *fakeImages) Edit(_ context.Context, in service.ContinueInput) (service.OperationResult, error) {
	f.lastContinue = in
	return f.result("edit")
}

func (f *fakeImages) Outpaint(_ context.Context, in service.ContinueInput) (service.OperationResult, error) {
	f.lastContinue = in
	return f.result("outpaint")
}

func (f *fakeImages) Regenerate(_ context.Context, in service.ContinueInput) (service.OperationResult, error) {
	f.lastContinue = in
	return f.result("regen")
}

func (f *fakeImages) Reference(_ context.Context, in service.ReferenceInput) (service.OperationResult, error) {
	return f.result("ref")
}

func (f *fakeImages) Koutu(_ context.Context, chatID string, _ []byte) (service.OperationResult, error) {
	f.lastChatID = chatID
	return f.result("koutu")
}

func (f *fakeImages) Inpaint(_ context.Context, in service.InpaintInput) (service.OperationResult, error) {
	f.lastInpaint = in
	return f.result("inpaint")
}

func (f *fakeImages) ChangeBackground(_ context.Context, in service.SubjectInput) (service.OperationResult, error) {
	return f.result("bg")
}

func (f *fakeImages) ChangeSubject(_ context.Context, in service.SubjectInput) (service.OperationResult, error) {
	return f.result("subject")
}

func (f *fakeImages) GetImage(_ context.Context, id string) (models.ImageRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return models.ImageRecord{}, repository.ErrImageNotFound
	}
	return rec, nil
}

func (f *fakeImages) LatestImage(context.Context) (models.ImageRecord, error) {
	return models.ImageRecord{}, repository.ErrImageNotFound
}

func (f *fakeImages) ValidateIndex(_ context.Context, id, index string) (int, error) {
	if index != "2" {
		return 0, repository.ErrIndexOutOfRange
	}
	return 1, nil
}

func (f *fakeImages) Compose(context.Context, string, []string) ([]byte, error) {
	return []byte{0xff, 0xd8, 0xff}, nil
}

func (f *fakeImages) ContrastColor([]byte) (service.ContrastResult, error) {
	return service.ContrastResult{Contrast: service.Swatch{Hex: "#ffffff"}}, nil
}

func (f *fakeImages) ResetSession(_ context.Context, chatID string) error {
	f.lastChatID = chatID
	return nil
}

type fakeIssuer struct{}

func (fakeIssuer) IssueToken(_ context.Context, apiKey string) (service.TokenResult, error) {
	if apiKey != "good" {
		return service.TokenResult{}, service.ErrInvalidCredentials
	}
	return service.TokenResult{AccessToken: "tok", TokenType: "Bearer"}, nil
}

func newTestRouter(images *fakeImages) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := HandlerSet{
		log:    zerolog.Nop(),
		cfg:    testConfig,
		auth:   fakeIssuer{},
		images: images,
		nonces: middleware.MemoryNonces(),
	}
	r := gin.New()
	h.Register(r.Group("/api"))
	return r
}

var nonceSeq int

func sign(t *testing.T, req *http.Request, body []byte) *http.Request {
	t.Helper()
	token, _, err := security.GenerateAccessToken("jwt-secret", "dispatcher", "tok-1", []string{security.ScopeImages}, time.Hour)
	require.NoError(t, err)

	nonceSeq++
	nonce := fmt.Sprintf("n-%d", nonceSeq)
	date := time.Now().UTC().Format(time.RFC3339)
	req.Header.Set("Authorization", "Bearer "+token)
	security.Canonicalize(req, "tok-1", body, date, nonce).Proof("sig-secret").Apply(req.Header)
	return req
}

func jsonRequest(t *testing.T, method, path string, payload any) *http.Request {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return sign(t, req, body)
}

type part struct {
	field, contentType string
	data               []byte
}

func multipartRequest(t *testing.T, path string, fields map[string]string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="%s.png"`, p.field, p.field))
		h.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	body := buf.Bytes()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return sign(t, req, body)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIssueTokenRoute(t *testing.T) {
	r := newTestRouter(&fakeImages{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString(`{"api_key":"good"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"access_token":"tok"`)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString(`{"api_key":"bad"}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&fakeImages{})
	w := serve(r, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cache":"disabled"`)
}

func TestImageRoutesRequireSignature(t *testing.T) {
	r := newTestRouter(&fakeImages{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/images/generate", bytes.NewBufferString(`{"prompt":"cat"}`))
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestGenerateAndEdit(t *testing.T) {
	images := &fakeImages{}
	r := newTestRouter(images)

	w := serve(r, jsonRequest(t, http.MethodPost, "/api/v1/images/generate", map[string]string{"chat_id": "c1", "prompt": "a cat"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c1", images.lastChatID)

	var res service.OperationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "gen", res.ID)

	w = serve(r, jsonRequest(t, http.MethodPost, "/api/v1/images/edit", map[string]string{"image_id": "img", "index": "2", "prompt": "hat"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.ContinueInput{ImageID: "img", Index: "2", Prompt: "hat"}, images.lastContinue)
}

func TestOperationErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{repository.ErrImageNotFound, http.StatusNotFound},
		{service.ErrIndexRequired, http.StatusBadRequest},
		{service.ErrParentIncomplete, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", service.ErrUploadFailed), http.StatusBadGateway},
		{fmt.Errorf("compose: %w", canvas.ErrNoImages), http.StatusBadGateway},
		{fmt.Errorf("generate: %w", completion.ErrStreamIdle), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newTestRouter(&fakeImages{err: tc.err})
		w := serve(r, jsonRequest(t, http.MethodPost, "/api/v1/images/outpaint", map[string]string{"image_id": "img"}))
		assert.Equal(t, tc.status, w.Code, tc.err.Error())

		var res service.OperationResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.False(t, res.Success)
		assert.Equal(t, tc.err.Error(), res.Error)
	}
}

func TestInpaintMultipart(t *testing.T) {
	images := &fakeImages{}
	r := newTestRouter(images)
	img := pngBytes(t)

	w := serve(r, multipartRequest(t, "/api/v1/images/inpaint",
		map[string]string{"chat_id": "c1", "prompt": "fill", "mode": "brush", "invert": "true"},
		part{"original", "image/png", img},
		part{"marked", "image/png", img},
	))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "brush", string(images.lastInpaint.Mode))
	assert.True(t, images.lastInpaint.Invert)
	assert.Equal(t, img, images.lastInpaint.Original)
}

func TestMultipartValidation(t *testing.T) {
	r := newTestRouter(&fakeImages{})

	w := serve(r, multipartRequest(t, "/api/v1/images/koutu", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, multipartRequest(t, "/api/v1/images/koutu", nil, part{"image", "image/png", []byte("not an image")}))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	w = serve(r, multipartRequest(t, "/api/v1/images/koutu", nil, part{"image", "image/jpeg", pngBytes(t)}))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	w = serve(r, multipartRequest(t, "/api/v1/images/koutu", nil, part{"image", "image/png", make([]byte, 2<<20)}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = serve(r, multipartRequest(t, "/api/v1/images/inpaint", map[string]string{"mode": "lasso"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordRoutes(t *testing.T) {
	images := &fakeImages{records: map[string]models.ImageRecord{
		"img": {ID: "img", URLs: []string{"a", "b"}, OperationType: models.OperationGenerate},
	}}
	r := newTestRouter(images)

	w := serve(r, jsonRequest(t, http.MethodGet, "/api/v1/images/img", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"generate"`)

	w = serve(r, jsonRequest(t, http.MethodGet, "/api/v1/images/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, jsonRequest(t, http.MethodGet, "/api/v1/images/latest", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, jsonRequest(t, http.MethodGet, "/api/v1/images/img/validate?index=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true,"index":1}`, w.Body.String())

	w = serve(r, jsonRequest(t, http.MethodGet, "/api/v1/images/img/validate?index=9", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":false`)
}

func TestComposeAndSessionReset(t *testing.T) {
	images := &fakeImages{}
	r := newTestRouter(images)

	w := serve(r, jsonRequest(t, http.MethodPost, "/api/v1/images/compose", map[string]any{"urls": []string{"u1", "u2"}}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

	w = serve(r, jsonRequest(t, http.MethodPost, "/api/v1/images/compose", map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, jsonRequest(t, http.MethodDelete, "/api/v1/sessions/chat-9", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "chat-9", images.lastChatID)
}
