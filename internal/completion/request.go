package completion

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"imagestudio/internal/models"
)

const (
	ContentTypeRequest = 2009
	ContentTypeImage   = 2010

	abilityInpainting  = "inpainting"
	abilityOutpainting = "outpainting"

	outpaintText = "按新尺寸生成图片"

	defaultImageSide = 1024
	maxOutpaintW     = 2048
	maxOutpaintH     = 4096
)

type Message struct {
	Content     any   `json:"content"`
	ContentType int   `json:"content_type"`
	Attachments []any `json:"attachments"`
}

type Options struct {
	IsRegen                bool   `json:"is_regen"`
	WithSuggest            bool   `json:"with_suggest"`
	NeedCreateConversation bool   `json:"need_create_conversation"`
	LaunchStage            int    `json:"launch_stage"`
	IsReplace              bool   `json:"is_replace"`
	IsDelete               bool   `json:"is_delete"`
	MessageFrom            int    `json:"message_from"`
	EventID                string `json:"event_id"`
}

type Request struct {
	Messages            []Message `json:"messages"`
	CompletionOption    Options   `json:"completion_option"`
	ConversationID      string    `json:"conversation_id"`
	SectionID           string    `json:"section_id"`
	LocalMessageID      string    `json:"local_message_id"`
	LocalConversationID string    `json:"local_conversation_id,omitempty"`
	ReplyID             string    `json:"reply_id,omitempty"`
}

type EditImage struct {
	EditImageURL   string  `json:"edit_image_url"`
	EditImageToken string  `json:"edit_image_token"`
	Description    string  `json:"description"`
	OutlineID      *string `json:"outline_id"`
	Ability        string  `json:"ability,omitempty"`
	Mask           string  `json:"mask,omitempty"`
	*models.OutpaintBox
	IsEditLocalImage   *bool  `json:"is_edit_local_image,omitempty"`
	IsEditLocalImageV2 string `json:"is_edit_local_image_v2,omitempty"`
}

type Content struct {
	Text      string     `json:"text"`
	EditImage *EditImage `json:"edit_image,omitempty"`
}

// Builder assembles completion requests for each operation.
type Builder struct {
	Now func() time.Time
}

func NewBuilder() Builder {
	return Builder{Now: time.Now}
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func localMessageID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func defaultOptions() Options {
	return Options{LaunchStage: 1, EventID: "0"}
}

func (b Builder) build(content Content, opts Options) Request {
	return Request{
		Messages: []Message{{
			Content:     content,
			ContentType: ContentTypeRequest,
			Attachments: []any{},
		}},
		CompletionOption: opts,
		LocalMessageID:   localMessageID(),
	}
}

// fresh starts or extends the chat-wide conversation.
func (b Builder) fresh(session Session, content Content) Request {
	opts := defaultOptions()
	opts.NeedCreateConversation = !session.Active()

	req := b.build(content, opts)
	req.ConversationID = "0"
	if session.Active() {
		req.ConversationID = session.ConversationID
	}
	req.SectionID = session.SectionID
	req.LocalConversationID = fmt.Sprintf("local_%d", b.now().UnixMilli())
	return req
}

// continued targets the conversation a parent record was produced in.
func (b Builder) continued(session Session, content Content) Request {
	req := b.build(content, defaultOptions())
	req.ConversationID = session.ConversationID
	req.SectionID = session.SectionID
	return req
}

// GeneratePrompt appends the style and ratio hints understood by the service.
func GeneratePrompt(prompt, style, ratio string) string {
	full := prompt
	if s := strings.TrimSpace(style); s != "" {
		full += "，图风格为「" + s + "」"
	}
	if r := strings.TrimSpace(ratio); r != "" {
		full += "，比例「" + r + "」"
	}
	return full
}

func (b Builder) Generate(session Session, prompt, style, ratio string) Request {
	return b.fresh(session, Content{Text: GeneratePrompt(prompt, style, ratio)})
}

// Edit rewrites imageURL inside the conversation of its parent.
func (b Builder) Edit(session Session, prompt, imageURL, description string) Request {
	return b.continued(session, Content{
		Text: prompt,
		EditImage: &EditImage{
			EditImageURL:   imageURL,
			EditImageToken: ImageToken(imageURL),
			Description:    description,
		},
	})
}

func (b Builder) Outpaint(session Session, imageURL, description string, box models.OutpaintBox) Request {
	local := false
	return b.continued(session, Content{
		Text: outpaintText,
		EditImage: &EditImage{
			EditImageURL:       imageURL,
			EditImageToken:     ImageToken(imageURL),
			Description:        description,
			Ability:            abilityOutpainting,
			OutpaintBox:        &box,
			IsEditLocalImage:   &local,
			IsEditLocalImageV2: "false",
		},
	})
}

// Reference generates from an uploaded image.
func (b Builder) Reference(session Session, prompt, style, ratio, imageKey, imageURL string) Request {
	return b.fresh(session, Content{
		Text:      GeneratePrompt(prompt, style, ratio),
		EditImage: localImage(imageKey, imageURL, ""),
	})
}

// Inpaint repaints the masked region of an uploaded image. Background and subject
// replacement use the same request with a different mask.
func (b Builder) Inpaint(session Session, prompt, imageKey, imageURL, maskURI string) Request {
	return b.fresh(session, Content{
		Text:      prompt,
		EditImage: localImage(imageKey, imageURL, maskURI),
	})
}

func localImage(imageKey, imageURL, maskURI string) *EditImage {
	local := true
	img := &EditImage{
		EditImageURL:       imageURL,
		EditImageToken:     imageKey,
		IsEditLocalImage:   &local,
		IsEditLocalImageV2: "true",
	}
	if maskURI != "" {
		img.Ability = abilityInpainting
		img.Mask = maskURI
	}
	return img
}

// Regenerate asks for another take of the reply that produced params. Edits and outpaints
// carry their source image again.
func (b Builder) Regenerate(session Session, op models.OperationType, params models.OperationParams) (Request, error) {
	if session.ReplyID == "" {
		return Request{}, fmt.Errorf("regenerate: reply id is required")
	}

	content := Content{Text: params.Prompt}
	if content.Text == "" {
		content.Text = outpaintText
	}
	switch op {
	case models.OperationEdit:
		content.EditImage = &EditImage{
			EditImageURL:   params.ImageURL,
			EditImageToken: params.ImageToken,
			Description:    params.Description,
		}
	case models.OperationOutpaint:
		local := false
		content.EditImage = &EditImage{
			EditImageURL:       params.ImageURL,
			EditImageToken:     params.ImageToken,
			Description:        params.Description,
			IsEditLocalImage:   &local,
			IsEditLocalImageV2: "false",
		}
	}

	opts := defaultOptions()
	opts.IsRegen = true
	opts.WithSuggest = true

	req := b.build(content, opts)
	req.ConversationID = session.ConversationID
	req.SectionID = session.SectionID
	req.ReplyID = session.ReplyID
	return req, nil
}

// ImageToken is the last path segment of an asset URL up to its first '~'.
func ImageToken(imageURL string) string {
	p := imageURL
	if u, err := url.Parse(imageURL); err == nil && u.Path != "" {
		p = u.Path
	}
	seg := path.Base(p)
	if i := strings.IndexByte(seg, '~'); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

// OutpaintRatios lists the accepted expansion targets.
var OutpaintRatios = []string{"1:1", "2:3", "4:3", "16:9", "9:16", "max"}

// OutpaintExpansion computes the fraction of the source size to add on each side so the
// result reaches ratio. Unknown ratios expand to 4:3.
func OutpaintExpansion(ratio string, width, height int) models.OutpaintBox {
	if width <= 0 {
		width = defaultImageSide
	}
	if height <= 0 {
		height = defaultImageSide
	}
	w, h := float64(width), float64(height)

	switch ratio {
	case "1:1":
		side := 1.0 / 6.0
		return models.OutpaintBox{Top: side, Bottom: side, Left: side, Right: side}
	case "2:3":
		return vertical((w*1.5 - h) / h)
	case "9:16":
		return vertical((w*16/9 - h) / h)
	case "16:9":
		return horizontal((h*16/9 - w) / w)
	case "max":
		v := vertical((maxOutpaintH - h) / h)
		hz := horizontal((maxOutpaintW - w) / w)
		v.Left, v.Right = hz.Left, hz.Right
		return v
	default:
		return horizontal((h*4/3 - w) / w)
	}
}

func vertical(total float64) models.OutpaintBox {
	half := math.Max(total, 0) / 2
	return models.OutpaintBox{Top: half, Bottom: half}
}

func horizontal(total float64) models.OutpaintBox {
	half := math.Max(total, 0) / 2
	return models.OutpaintBox{Left: half, Right: half}
}
