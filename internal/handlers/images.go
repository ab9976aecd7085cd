package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"imagestudio/internal/canvas"
	"imagestudio/internal/completion"
	"imagestudio/internal/mask"
	"imagestudio/internal/media/sniffer"
	"imagestudio/internal/middleware"
	"imagestudio/internal/remote"
	"imagestudio/internal/repository"
	"imagestudio/internal/service"
)

const defaultMaxUploadBytes = 20 << 20

var (
	errMissingPart   = errors.New("missing image part")
	errPartTooLarge  = errors.New("image part exceeds size limit")
	errMimeMismatch  = errors.New("declared content type does not match image data")
	errNothingToDraw = errors.New("image_id or urls is required")
)

type continueRequest struct {
	ChatID  string `json:"chat_id"`
	ImageID string `json:"image_id" binding:"required"`
	Index   string `json:"index"`
	Prompt  string `json:"prompt"`
	Ratio   string `json:"ratio"`
}

func (r continueRequest) input() service.ContinueInput {
	return service.ContinueInput{
		ChatID:  r.ChatID,
		ImageID: r.ImageID,
		Index:   r.Index,
		Prompt:  r.Prompt,
		Ratio:   r.Ratio,
	}
}

type generateRequest struct {
	ChatID string `json:"chat_id"`
	Prompt string `json:"prompt" binding:"required"`
	Style  string `json:"style"`
	Ratio  string `json:"ratio"`
}

type composeRequest struct {
	ImageID string   `json:"image_id"`
	URLs    []string `json:"urls"`
}

func (h HandlerSet) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.images.Generate(c.Request.Context(), service.GenerateInput{
		ChatID: req.ChatID,
		Prompt: req.Prompt,
		Style:  req.Style,
		Ratio:  req.Ratio,
	})
	h.respond(c, "generate", res, err)
}

func (h HandlerSet) Edit(c *gin.Context) {
	h.continueWith(c, "edit", h.images.Edit)
}

func (h HandlerSet) Outpaint(c *gin.Context) {
	h.continueWith(c, "outpaint", h.images.Outpaint)
}

func (h HandlerSet) Regenerate(c *gin.Context) {
	h.continueWith(c, "regenerate", h.images.Regenerate)
}

type continueFunc func(ctx context.Context, in service.ContinueInput) (service.OperationResult, error)

func (h HandlerSet) continueWith(c *gin.Context, op string, fn continueFunc) {
	var req continueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := fn(c.Request.Context(), req.input())
	h.respond(c, op, res, err)
}

func (h HandlerSet) Reference(c *gin.Context) {
	image, ok := h.readImage(c, "image")
	if !ok {
		return
	}
	res, err := h.images.Reference(c.Request.Context(), service.ReferenceInput{
		ChatID: c.PostForm("chat_id"),
		Prompt: c.PostForm("prompt"),
		Style:  c.PostForm("style"),
		Ratio:  c.PostForm("ratio"),
		Image:  image,
	})
	h.respond(c, "reference", res, err)
}

func (h HandlerSet) Koutu(c *gin.Context) {
	image, ok := h.readImage(c, "image")
	if !ok {
		return
	}
	res, err := h.images.Koutu(c.Request.Context(), c.PostForm("chat_id"), image)
	h.respond(c, "koutu", res, err)
}

func (h HandlerSet) Inpaint(c *gin.Context) {
	mode, err := mask.ParseMode(c.PostForm("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	invert := false
	if raw := c.PostForm("invert"); raw != "" {
		if invert, err = strconv.ParseBool(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invert must be a boolean"})
			return
		}
	}
	original, ok := h.readImage(c, "original")
	if !ok {
		return
	}
	marked, ok := h.readImage(c, "marked")
	if !ok {
		return
	}

	res, err := h.images.Inpaint(c.Request.Context(), service.InpaintInput{
		ChatID:   c.PostForm("chat_id"),
		Prompt:   c.PostForm("prompt"),
		Original: original,
		Marked:   marked,
		Mode:     mode,
		Invert:   invert,
	})
	h.respond(c, "inpaint", res, err)
}

func (h HandlerSet) ChangeBackground(c *gin.Context) {
	in, ok := h.subjectInput(c)
	if !ok {
		return
	}
	res, err := h.images.ChangeBackground(c.Request.Context(), in)
	h.respond(c, "change_background", res, err)
}

func (h HandlerSet) ChangeSubject(c *gin.Context) {
	in, ok := h.subjectInput(c)
	if !ok {
		return
	}
	res, err := h.images.ChangeSubject(c.Request.Context(), in)
	h.respond(c, "change_subject", res, err)
}

func (h HandlerSet) subjectInput(c *gin.Context) (service.SubjectInput, bool) {
	image, ok := h.readImage(c, "image")
	if !ok {
		return service.SubjectInput{}, false
	}
	return service.SubjectInput{
		ChatID: c.PostForm("chat_id"),
		Prompt: c.PostForm("prompt"),
		Image:  image,
	}, true
}

func (h HandlerSet) GetImage(c *gin.Context) {
	record, err := h.images.GetImage(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h HandlerSet) LatestImage(c *gin.Context) {
	record, err := h.images.LatestImage(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// ValidateIndex answers 200 either way; the body says whether the selection is usable.
func (h HandlerSet) ValidateIndex(c *gin.Context) {
	index, err := h.images.ValidateIndex(c.Request.Context(), c.Param("id"), c.Query("index"))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "index": index})
}

func (h HandlerSet) Compose(c *gin.Context) {
	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ImageID == "" && len(req.URLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errNothingToDraw.Error()})
		return
	}

	data, err := h.images.Compose(c.Request.Context(), req.ImageID, req.URLs)
	if err != nil {
		h.log.Error().Err(err).Str("image_id", req.ImageID).Msg("compose canvas failed")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h HandlerSet) ContrastColor(c *gin.Context) {
	image, ok := h.readImage(c, "image")
	if !ok {
		return
	}
	res, err := h.images.ContrastColor(image)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h HandlerSet) ResetSession(c *gin.Context) {
	if err := h.images.ResetSession(c.Request.Context(), c.Param("chat_id")); err != nil {
		h.log.Error().Err(err).Msg("reset session failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) respond(c *gin.Context, op string, res service.OperationResult, err error) {
	if err != nil {
		status := statusFor(err)
		event := h.log.Warn()
		if status >= http.StatusInternalServerError {
			event = h.log.Error()
		}
		event.Err(err).
			Str("operation", op).
			Int("status", status).
			Str("request_id", middleware.RequestIDFrom(c)).
			Msg("image operation failed")
		c.JSON(status, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrImageNotFound),
		errors.Is(err, repository.ErrIndexImageNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrIndexNotInteger),
		errors.Is(err, repository.ErrIndexOutOfRange),
		errors.Is(err, repository.ErrIndexExceedsURLs),
		errors.Is(err, service.ErrIndexRequired),
		errors.Is(err, service.ErrPromptRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrParentIncomplete),
		errors.Is(err, service.ErrNoSubjectMask):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrUploadFailed),
		errors.Is(err, completion.ErrNoImage),
		errors.Is(err, completion.ErrStreamIdle),
		errors.Is(err, canvas.ErrNoImages),
		errors.Is(err, remote.ErrAPI):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// readImage pulls one multipart image part, rejecting anything the pipeline cannot decode.
func (h HandlerSet) readImage(c *gin.Context, field string) ([]byte, bool) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %s", errMissingPart, field)})
		return nil, false
	}
	defer file.Close()

	data, err := h.readLimited(file)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errPartTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, false
	}

	detected, err := sniffer.DetectHead(data)
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		return nil, false
	}
	if declared := declaredType(header); declared != "" && declared != "application/octet-stream" && declared != detected.MIME {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": errMimeMismatch.Error()})
		return nil, false
	}
	return data, true
}

func (h HandlerSet) readLimited(r io.Reader) ([]byte, error) {
	limit := h.cfg.HTTP.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errPartTooLarge
	}
	return buf.Bytes(), nil
}

func declaredType(header *multipart.FileHeader) string {
	if header == nil {
		return ""
	}
	mime := strings.ToLower(sniffer.MimeTypeFromHTTP(http.Header(header.Header)))
	if mime == "image/jpg" {
		mime = "image/jpeg"
	}
	return mime
}
