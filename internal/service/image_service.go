package service

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imagestudio/internal/completion"
	"imagestudio/internal/events"
	"imagestudio/internal/ids"
	"imagestudio/internal/mask"
	"imagestudio/internal/models"
	"imagestudio/internal/repository"
	"imagestudio/internal/upload"
)

var (
	ErrIndexRequired    = errors.New("an image index is required when the record holds several images")
	ErrParentIncomplete = errors.New("parent image is missing the conversation state needed to continue it")
	ErrUploadFailed     = errors.New("image upload failed")
	ErrNoSubjectMask    = errors.New("upload returned no subject mask")
	ErrPromptRequired   = errors.New("prompt is required")
)

type Uploader interface {
	Upload(ctx context.Context, data []byte) (upload.Result, error)
}

type Completer interface {
	Send(ctx context.Context, req completion.Request, endpoint string) (completion.Response, error)
}

type SessionStore interface {
	Get(ctx context.Context, chatID string) (completion.Session, error)
	Save(ctx context.Context, chatID string, sess completion.Session) error
	Reset(ctx context.Context, chatID string) error
}

type MaskGenerator interface {
	Generate(ctx context.Context, req mask.Request) mask.Result
	Contrast(data []byte) (color.RGBA, []mask.Cluster, error)
}

type CanvasComposer interface {
	ComposeURLs(ctx context.Context, urls []string) ([]byte, error)
}

type CanvasStore interface {
	PutCanvas(ctx context.Context, imageID string, data []byte) (string, error)
}

// OperationResult is what the dispatcher receives for every image operation.
type OperationResult struct {
	Success   bool     `json:"success"`
	ID        string   `json:"id,omitempty"`
	URLs      []string `json:"urls"`
	Error     string   `json:"error,omitempty"`
	CanvasURL string   `json:"canvas_url,omitempty"`
}

func Failure(err error) OperationResult {
	return OperationResult{Success: false, URLs: []string{}, Error: err.Error()}
}

type GenerateInput struct {
	ChatID string
	Prompt string
	Style  string
	Ratio  string
}

// ContinueInput selects one image of a stored record. Index is the raw 1-based selection.
type ContinueInput struct {
	ChatID  string
	ImageID string
	Index   string
	Prompt  string
	Ratio   string
}

type ReferenceInput struct {
	ChatID string
	Prompt string
	Style  string
	Ratio  string
	Image  []byte
}

type InpaintInput struct {
	ChatID   string
	Prompt   string
	Original []byte
	Marked   []byte
	Mode     mask.Mode
	Invert   bool
}

type SubjectInput struct {
	ChatID string
	Prompt string
	Image  []byte
}

type ImageService struct {
	images    repository.ImageStore
	sessions  SessionStore
	completer Completer
	uploader  Uploader
	masks     MaskGenerator
	composer  CanvasComposer
	canvases  CanvasStore
	events    events.Publisher
	builder   completion.Builder
	now       func() time.Time
	log       zerolog.Logger
}

func NewImageService(
	images repository.ImageStore,
	sessions SessionStore,
	completer Completer,
	uploader Uploader,
	masks MaskGenerator,
	composer CanvasComposer,
	canvases CanvasStore,
	publisher events.Publisher,
	log zerolog.Logger,
) *ImageService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &ImageService{
		images:    images,
		sessions:  sessions,
		completer: completer,
		uploader:  uploader,
		masks:     masks,
		composer:  composer,
		canvases:  canvases,
		events:    publisher,
		builder:   completion.NewBuilder(),
		now:       time.Now,
		log:       log.With().Str("component", "images").Logger(),
	}
}

func (s *ImageService) Generate(ctx context.Context, in GenerateInput) (OperationResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Failure(ErrPromptRequired), ErrPromptRequired
	}
	sess, err := s.sessions.Get(ctx, in.ChatID)
	if err != nil {
		return Failure(err), err
	}

	resp, err := s.send(ctx, models.OperationGenerate, s.builder.Generate(sess, in.Prompt, in.Style, in.Ratio))
	if err != nil {
		return Failure(err), err
	}
	next := continuation(resp.Session, sess)

	params := models.OperationParams{
		Prompt: in.Prompt,
		Style:  in.Style,
		Ratio:  in.Ratio,
	}
	record := s.newRecord(models.OperationGenerate, resp, next, params, "")
	return s.persist(ctx, in.ChatID, record, next, true)
}

func (s *ImageService) Edit(ctx context.Context, in ContinueInput) (OperationResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Failure(ErrPromptRequired), ErrPromptRequired
	}
	parent, index, imageURL, err := s.selectImage(ctx, in.ImageID, in.Index)
	if err != nil {
		return Failure(err), err
	}
	sess := completion.SessionFromParams(parent.OperationParams)
	if sess.ConversationID == "" || sess.SectionID == "" {
		return Failure(ErrParentIncomplete), ErrParentIncomplete
	}
	pp := parent.OperationParams

	resp, err := s.send(ctx, models.OperationEdit, s.builder.Edit(sess, in.Prompt, imageURL, pp.Description))
	if err != nil {
		return Failure(err), err
	}
	next := continuation(resp.Session, sess)

	params := models.OperationParams{
		Prompt:        in.Prompt,
		Description:   pp.Description,
		OriginalImgID: parent.ID,
		OriginalIndex: index,

		OriginalImageToken: pp.ImageToken,
		OriginalImageURL:   pp.ImageURL,
		OriginalReplyID:    pp.ReplyID,
		OriginalWidth:      pp.Width,
		OriginalHeight:     pp.Height,
	}
	record := s.newRecord(models.OperationEdit, resp, next, params, parent.ID)
	return s.persist(ctx, in.ChatID, record, next, false)
}

func (s *ImageService) Outpaint(ctx context.Context, in ContinueInput) (OperationResult, error) {
	parent, index, imageURL, err := s.selectImage(ctx, in.ImageID, in.Index)
	if err != nil {
		return Failure(err), err
	}
	sess := completion.SessionFromParams(parent.OperationParams)
	if sess.ConversationID == "" || sess.SectionID == "" {
		return Failure(ErrParentIncomplete), ErrParentIncomplete
	}
	pp := parent.OperationParams
	ratio := in.Ratio
	if ratio == "" {
		ratio = "4:3"
	}
	box := completion.OutpaintExpansion(ratio, pp.Width, pp.Height)

	resp, err := s.send(ctx, models.OperationOutpaint, s.builder.Outpaint(sess, imageURL, pp.Description, box))
	if err != nil {
		return Failure(err), err
	}
	next := continuation(resp.Session, sess)

	params := models.OperationParams{
		Ratio:         ratio,
		Description:   pp.Description,
		OriginalImgID: parent.ID,
		OriginalIndex: index,
		Outpaint:      &box,

		PreOutpaintConversationID: pp.ConversationID,
		PreOutpaintSectionID:      pp.SectionID,
		PreOutpaintReplyID:        pp.ReplyID,
		PreOutpaintImageToken:     pp.ImageToken,
		PreOutpaintImageURL:       pp.ImageURL,
		PreOutpaintWidth:          pp.Width,
		PreOutpaintHeight:         pp.Height,
	}
	record := s.newRecord(models.OperationOutpaint, resp, next, params, parent.ID)
	return s.persist(ctx, in.ChatID, record, next, false)
}

// Regenerate asks for another take on a stored record. The new record keeps the
// regenerated record's type and links to it as parent.
func (s *ImageService) Regenerate(ctx context.Context, in ContinueInput) (OperationResult, error) {
	parent, err := s.images.Get(ctx, in.ImageID)
	if err != nil {
		return Failure(err), err
	}
	sess := completion.SessionFromParams(parent.OperationParams)
	req, err := s.builder.Regenerate(sess, parent.OperationType, parent.OperationParams)
	if err != nil {
		return Failure(err), err
	}

	resp, err := s.send(ctx, parent.OperationType, req)
	if err != nil {
		return Failure(err), err
	}
	if parent.OperationType.ContinuesLineage() {
		resp.URLs = resp.URLs[:1]
	}

	// the regenerated turn stays in the parent's conversation and section
	next := continuation(completion.Session{ReplyID: resp.Session.ReplyID}, sess)
	params := parent.OperationParams
	params.ConversationID = next.ConversationID
	params.SectionID = next.SectionID
	params.ReplyID = next.ReplyID
	params.ImageURL = resp.URLs[0]
	params.ImageToken = completion.ImageToken(resp.URLs[0])
	if len(resp.Data) > 0 {
		params.Data = resp.Data
	}

	record := models.ImageRecord{
		ID:              ids.New(),
		URLs:            resp.URLs,
		OperationType:   parent.OperationType,
		OperationParams: params,
		ParentID:        parent.ID,
		CreatedAt:       s.now().Unix(),
	}
	return s.persist(ctx, in.ChatID, record, next, !parent.OperationType.ContinuesLineage())
}

func (s *ImageService) Reference(ctx context.Context, in ReferenceInput) (OperationResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Failure(ErrPromptRequired), ErrPromptRequired
	}
	up, err := s.upload(ctx, in.Image)
	if err != nil {
		return Failure(err), err
	}
	sess, err := s.sessions.Get(ctx, in.ChatID)
	if err != nil {
		return Failure(err), err
	}

	resp, err := s.send(ctx, models.OperationReference, s.builder.Reference(sess, in.Prompt, in.Style, in.Ratio, up.ImageKey, up.MainURL))
	if err != nil {
		return Failure(err), err
	}
	next := continuation(resp.Session, sess)

	params := models.OperationParams{
		Prompt:      completion.GeneratePrompt(in.Prompt, in.Style, in.Ratio),
		Style:       in.Style,
		Ratio:       in.Ratio,
		OriginalKey: up.ImageKey,
		OriginalURL: up.MainURL,
	}
	record := s.newRecord(models.OperationReference, resp, next, params, "")
	return s.persist(ctx, in.ChatID, record, next, true)
}

// Koutu removes the background of an image. It needs no completion call: the upload
// post-processing already returns the subject mask.
func (s *ImageService) Koutu(ctx context.Context, chatID string, image []byte) (OperationResult, error) {
	up, err := s.upload(ctx, image)
	if err != nil {
		return Failure(err), err
	}
	if up.MaskURL == "" {
		err := fmt.Errorf("%w: no mask url", ErrUploadFailed)
		return Failure(err), err
	}
	sess, err := s.sessions.Get(ctx, chatID)
	if err != nil {
		return Failure(err), err
	}

	params := models.OperationParams{
		ConversationID:    sess.ConversationID,
		SectionID:         sess.SectionID,
		ImageKey:          up.ImageKey,
		ImageToken:        KeyToken(up.ImageKey),
		ImageURL:          up.MainURL,
		OriginalURL:       up.MainURL,
		Mask:              up.Mask,
		MaskURL:           up.MaskURL,
		WithoutBackground: up.WithoutBackground,
	}
	record := models.ImageRecord{
		ID:              ids.New(),
		URLs:            []string{up.MainURL, up.MaskURL},
		OperationType:   models.OperationKoutu,
		OperationParams: params,
		CreatedAt:       s.now().Unix(),
	}
	return s.persist(ctx, chatID, record, sess, false)
}

func (s *ImageService) Inpaint(ctx context.Context, in InpaintInput) (OperationResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Failure(ErrPromptRequired), ErrPromptRequired
	}
	up, err := s.upload(ctx, in.Original)
	if err != nil {
		return Failure(err), err
	}
	mode := in.Mode
	if mode == "" {
		mode = mask.ModeCircle
	}
	m := s.masks.Generate(ctx, mask.Request{Original: in.Original, Marked: in.Marked, Mode: mode, Invert: in.Invert})
	if m.Fallback {
		s.log.Warn().Str("reason", m.Reason).Msg("inpaint continues with a blank mask")
	}

	params := models.OperationParams{
		Prompt:   in.Prompt,
		Mask:     m.DataURI,
		MaskMode: string(mode),
		Invert:   in.Invert,
	}
	return s.inpaintLike(ctx, models.OperationInpaint, in.ChatID, in.Prompt, up, m.DataURI, params)
}

// ChangeBackground repaints everything except the subject found by the upload service.
func (s *ImageService) ChangeBackground(ctx context.Context, in SubjectInput) (OperationResult, error) {
	return s.subjectEdit(ctx, models.OperationChangeBackground, in, true)
}

// ChangeSubject repaints the subject and keeps the background.
func (s *ImageService) ChangeSubject(ctx context.Context, in SubjectInput) (OperationResult, error) {
	return s.subjectEdit(ctx, models.OperationChangeSubject, in, false)
}

func (s *ImageService) subjectEdit(ctx context.Context, op models.OperationType, in SubjectInput, invert bool) (OperationResult, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return Failure(ErrPromptRequired), ErrPromptRequired
	}
	up, err := s.upload(ctx, in.Image)
	if err != nil {
		return Failure(err), err
	}
	if up.Mask == "" {
		return Failure(ErrNoSubjectMask), ErrNoSubjectMask
	}
	uri, err := mask.NormalizeDataURI(up.Mask, invert)
	if err != nil {
		err = fmt.Errorf("normalize subject mask: %w", err)
		return Failure(err), err
	}

	params := models.OperationParams{
		Prompt: in.Prompt,
		Mask:   uri,
		Invert: invert,
	}
	return s.inpaintLike(ctx, op, in.ChatID, in.Prompt, up, uri, params)
}

func (s *ImageService) inpaintLike(ctx context.Context, op models.OperationType, chatID, prompt string, up upload.Result, maskURI string, params models.OperationParams) (OperationResult, error) {
	sess, err := s.sessions.Get(ctx, chatID)
	if err != nil {
		return Failure(err), err
	}
	resp, err := s.send(ctx, op, s.builder.Inpaint(sess, prompt, up.ImageKey, up.MainURL, maskURI))
	if err != nil {
		return Failure(err), err
	}
	next := continuation(resp.Session, sess)

	params.OriginalKey = up.ImageKey
	params.OriginalURL = up.MainURL
	record := s.newRecord(op, resp, next, params, "")
	return s.persist(ctx, chatID, record, next, true)
}

func (s *ImageService) GetImage(ctx context.Context, id string) (models.ImageRecord, error) {
	return s.images.Get(ctx, id)
}

func (s *ImageService) LatestImage(ctx context.Context) (models.ImageRecord, error) {
	return s.images.Latest(ctx)
}

func (s *ImageService) ValidateIndex(ctx context.Context, id, index string) (int, error) {
	return repository.ValidateIndex(ctx, s.images, id, index)
}

// Compose renders a record's images, or an explicit url list, into one JPEG canvas.
func (s *ImageService) Compose(ctx context.Context, id string, urls []string) ([]byte, error) {
	if id != "" {
		record, err := s.images.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		urls = record.URLs
	}
	return s.composer.ComposeURLs(ctx, urls)
}

type Swatch struct {
	Hex   string `json:"hex"`
	Count int    `json:"count,omitempty"`
}

type ContrastResult struct {
	Contrast Swatch   `json:"contrast"`
	Dominant []Swatch `json:"dominant"`
}

// ContrastColor picks a color that stands out against the image, for drawing marks on it.
func (s *ImageService) ContrastColor(data []byte) (ContrastResult, error) {
	contrast, clusters, err := s.masks.Contrast(data)
	if err != nil {
		return ContrastResult{}, err
	}
	res := ContrastResult{Contrast: Swatch{Hex: hex(contrast)}, Dominant: make([]Swatch, 0, len(clusters))}
	for _, cl := range clusters {
		res.Dominant = append(res.Dominant, Swatch{Hex: hex(cl.Color), Count: cl.Count})
	}
	return res, nil
}

func hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func (s *ImageService) ResetSession(ctx context.Context, chatID string) error {
	return s.sessions.Reset(ctx, chatID)
}

func (s *ImageService) upload(ctx context.Context, data []byte) (upload.Result, error) {
	if len(data) == 0 {
		return upload.Result{}, fmt.Errorf("%w: empty image", ErrUploadFailed)
	}
	res, err := s.uploader.Upload(ctx, data)
	if err != nil {
		return upload.Result{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if !res.Success {
		s.log.Warn().Str("image_key", res.ImageKey).Str("reason", res.Error).Msg("upload post-processing failed")
		return res, fmt.Errorf("%w: %s", ErrUploadFailed, res.Error)
	}
	if res.ImageKey == "" || res.MainURL == "" {
		return res, fmt.Errorf("%w: incomplete upload result", ErrUploadFailed)
	}
	return res, nil
}

func (s *ImageService) send(ctx context.Context, op models.OperationType, req completion.Request) (completion.Response, error) {
	resp, err := s.completer.Send(ctx, req, "")
	if err != nil {
		s.log.Error().Err(err).Str("operation", string(op)).Msg("completion failed")
		return completion.Response{}, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

// newRecord fills the continuation triple, first-image reference and result metadata into params.
func (s *ImageService) newRecord(op models.OperationType, resp completion.Response, next completion.Session, params models.OperationParams, parentID string) models.ImageRecord {
	params.ConversationID = next.ConversationID
	params.SectionID = next.SectionID
	params.ReplyID = next.ReplyID
	params.ImageURL = resp.URLs[0]
	params.ImageToken = completion.ImageToken(resp.URLs[0])
	params.Data = resp.Data

	meta := completion.FirstImageMeta(resp.Data)
	params.Width = meta.Width
	params.Height = meta.Height
	if meta.Description != "" {
		params.Description = meta.Description
	}

	return models.ImageRecord{
		ID:              ids.New(),
		URLs:            resp.URLs,
		OperationType:   op,
		OperationParams: params,
		ParentID:        parentID,
		CreatedAt:       s.now().Unix(),
	}
}

func (s *ImageService) persist(ctx context.Context, chatID string, record models.ImageRecord, next completion.Session, canvas bool) (OperationResult, error) {
	record.OperationParams.ChatID = chatID
	if err := record.OperationParams.Validate(record.OperationType); err != nil {
		return Failure(err), err
	}
	stored, err := s.images.Store(ctx, record.ID, record)
	if err != nil {
		s.log.Error().Err(err).Str("image_id", record.ID).Str("operation", string(record.OperationType)).Msg("store image record")
		return Failure(err), err
	}

	if err := s.sessions.Save(ctx, chatID, next); err != nil {
		s.log.Warn().Err(err).Str("chat_id", chatID).Msg("save session")
	}
	if err := s.events.ImageStored(ctx, stored); err != nil {
		s.log.Warn().Err(err).Str("image_id", stored.ID).Msg("publish image event")
	}

	result := OperationResult{Success: true, ID: stored.ID, URLs: stored.URLs}
	if canvas && len(stored.URLs) > 1 {
		result.CanvasURL = s.canvas(ctx, stored)
	}

	s.log.Info().
		Str("image_id", stored.ID).
		Str("operation", string(stored.OperationType)).
		Str("parent_id", stored.ParentID).
		Int("urls", len(stored.URLs)).
		Msg("image stored")
	return result, nil
}

func (s *ImageService) canvas(ctx context.Context, record models.ImageRecord) string {
	if s.composer == nil || s.canvases == nil {
		return ""
	}
	data, err := s.composer.ComposeURLs(ctx, record.URLs)
	if err != nil {
		s.log.Warn().Err(err).Str("image_id", record.ID).Msg("compose canvas")
		return ""
	}
	url, err := s.canvases.PutCanvas(ctx, record.ID, data)
	if err != nil {
		s.log.Warn().Err(err).Str("image_id", record.ID).Msg("store canvas")
		return ""
	}
	return url
}

// selectImage resolves a stored record and one of its urls. An empty index selects the
// only image of a single-image record.
func (s *ImageService) selectImage(ctx context.Context, id, index string) (models.ImageRecord, int, string, error) {
	if strings.TrimSpace(index) == "" {
		record, err := s.images.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrImageNotFound) {
				return models.ImageRecord{}, 0, "", repository.ErrIndexImageNotFound
			}
			return models.ImageRecord{}, 0, "", err
		}
		if len(record.URLs) > 1 {
			return models.ImageRecord{}, 0, "", ErrIndexRequired
		}
		return record, 1, record.URLs[0], nil
	}

	n, err := repository.ValidateIndex(ctx, s.images, id, index)
	if err != nil {
		return models.ImageRecord{}, 0, "", err
	}
	record, err := s.images.Get(ctx, id)
	if err != nil {
		return models.ImageRecord{}, 0, "", err
	}
	url, _ := record.URLAt(n)
	return record, n, url, nil
}

// continuation prefers identifiers reported by the stream and keeps the previous ones
// for anything it left out.
func continuation(reported, previous completion.Session) completion.Session {
	next := previous
	if reported.ConversationID != "" && reported.ConversationID != "0" {
		next.ConversationID = reported.ConversationID
	}
	if reported.SectionID != "" {
		next.SectionID = reported.SectionID
	}
	if reported.ReplyID != "" {
		next.ReplyID = reported.ReplyID
	}
	return next
}

// KeyToken derives the image token of an uploaded asset key: the last path segment up to
// the first dot.
func KeyToken(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	if i := strings.Index(key, "."); i >= 0 {
		key = key[:i]
	}
	return key
}
