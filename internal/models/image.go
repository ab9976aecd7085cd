package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type OperationType string

const (
	OperationGenerate         OperationType = "generate"
	OperationEdit             OperationType = "edit"
	OperationOutpaint         OperationType = "outpaint"
	OperationKoutu            OperationType = "koutu"
	OperationInpaint          OperationType = "inpaint"
	OperationReference        OperationType = "reference"
	OperationChangeBackground OperationType = "change_background"
	OperationChangeSubject    OperationType = "change_subject"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationGenerate, OperationEdit, OperationOutpaint, OperationKoutu,
		OperationInpaint, OperationReference, OperationChangeBackground, OperationChangeSubject:
		return true
	}
	return false
}

// ContinuesLineage reports whether records of this type are derived from a stored parent.
func (t OperationType) ContinuesLineage() bool {
	return t == OperationEdit || t == OperationOutpaint
}

type OutpaintBox struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

type OperationParams struct {
	// ChatID is the dispatcher chat the record was produced for.
	ChatID         string `json:"chat_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SectionID      string `json:"section_id,omitempty"`
	ReplyID        string `json:"reply_id,omitempty"`
	ImageToken     string `json:"image_token,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`

	Prompt      string `json:"prompt,omitempty"`
	Style       string `json:"style,omitempty"`
	Ratio       string `json:"ratio,omitempty"`
	Description string `json:"description,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`

	Mask              string `json:"mask,omitempty"`
	MaskMode          string `json:"mode,omitempty"`
	Invert            bool   `json:"is_invert,omitempty"`
	ImageKey          string `json:"image_key,omitempty"`
	MaskURL           string `json:"mask_url,omitempty"`
	WithoutBackground bool   `json:"without_background,omitempty"`

	OriginalKey   string       `json:"original_key,omitempty"`
	OriginalURL   string       `json:"original_url,omitempty"`
	OriginalImgID string       `json:"original_img_id,omitempty"`
	OriginalIndex int          `json:"original_index,omitempty"`
	Outpaint      *OutpaintBox `json:"outpaint_params,omitempty"`

	// Parent snapshot taken when an edit is stored.
	OriginalImageToken string `json:"original_image_token,omitempty"`
	OriginalImageURL   string `json:"original_image_url,omitempty"`
	OriginalReplyID    string `json:"original_reply_id,omitempty"`
	OriginalWidth      int    `json:"original_width,omitempty"`
	OriginalHeight     int    `json:"original_height,omitempty"`

	// Snapshot of the parent's continuation state taken before an outpaint.
	PreOutpaintConversationID string `json:"pre_outpaint_conversation_id,omitempty"`
	PreOutpaintSectionID      string `json:"pre_outpaint_section_id,omitempty"`
	PreOutpaintReplyID        string `json:"pre_outpaint_reply_id,omitempty"`
	PreOutpaintImageToken     string `json:"pre_outpaint_image_token,omitempty"`
	PreOutpaintImageURL       string `json:"pre_outpaint_image_url,omitempty"`
	PreOutpaintWidth          int    `json:"pre_outpaint_width,omitempty"`
	PreOutpaintHeight         int    `json:"pre_outpaint_height,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

var requiredParams = map[OperationType][]string{
	OperationGenerate:         {"conversation_id", "image_token", "image_url"},
	OperationEdit:             {"conversation_id", "section_id", "image_token", "image_url", "original_img_id"},
	OperationOutpaint:         {"conversation_id", "section_id", "image_token", "image_url", "original_img_id", "ratio"},
	OperationReference:        {"image_token", "image_url", "original_key"},
	OperationInpaint:          {"image_token", "image_url", "original_key", "mask"},
	OperationChangeBackground: {"image_token", "image_url", "original_key", "mask", "prompt"},
	OperationChangeSubject:    {"image_token", "image_url", "original_key", "mask", "prompt"},
	OperationKoutu:            {"image_key", "image_url", "mask_url"},
}

// Validate checks that the keys an operation relies on when it is later continued are present.
func (p OperationParams) Validate(op OperationType) error {
	if !op.Valid() {
		return fmt.Errorf("unknown operation type %q", op)
	}

	values := p.lookup()
	var missing []string
	for _, key := range requiredParams[op] {
		if values[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s params missing %s", op, strings.Join(missing, ", "))
	}
	return nil
}

func (p OperationParams) lookup() map[string]string {
	return map[string]string{
		"conversation_id": p.ConversationID,
		"section_id":      p.SectionID,
		"image_token":     p.ImageToken,
		"image_url":       p.ImageURL,
		"original_img_id": p.OriginalImgID,
		"original_key":    p.OriginalKey,
		"ratio":           p.Ratio,
		"mask":            p.Mask,
		"prompt":          p.Prompt,
		"image_key":       p.ImageKey,
		"mask_url":        p.MaskURL,
	}
}

type HistoryEntry struct {
	ID        string          `json:"id"`
	Type      OperationType   `json:"type"`
	Params    OperationParams `json:"params"`
	Timestamp int64           `json:"timestamp"`
}

type ImageRecord struct {
	ID               string          `json:"id"`
	URLs             []string        `json:"urls"`
	OperationType    OperationType   `json:"type"`
	OperationParams  OperationParams `json:"operation_params"`
	ParentID         string          `json:"parent_id,omitempty"`
	EditChain        []string        `json:"edit_chain"`
	OperationHistory []HistoryEntry  `json:"operation_history"`
	CreatedAt        int64           `json:"created_at"`
}

// Entry returns the history entry describing this record's own operation.
func (r ImageRecord) Entry() HistoryEntry {
	return HistoryEntry{
		ID:        r.ID,
		Type:      r.OperationType,
		Params:    r.OperationParams,
		Timestamp: r.CreatedAt,
	}
}

// WithLineage derives edit_chain and operation_history from parent. A nil parent yields a root lineage.
func (r ImageRecord) WithLineage(parent *ImageRecord) ImageRecord {
	out := r
	if parent == nil {
		out.EditChain = []string{}
		out.OperationHistory = []HistoryEntry{r.Entry()}
		return out
	}

	out.EditChain = make([]string, 0, len(parent.EditChain)+1)
	out.EditChain = append(out.EditChain, parent.EditChain...)
	out.EditChain = append(out.EditChain, parent.ID)

	out.OperationHistory = make([]HistoryEntry, 0, len(parent.OperationHistory)+1)
	out.OperationHistory = append(out.OperationHistory, parent.OperationHistory...)
	out.OperationHistory = append(out.OperationHistory, r.Entry())
	return out
}

// URLAt returns the url at a 1-based selection index.
func (r ImageRecord) URLAt(index int) (string, bool) {
	if index < 1 || index > len(r.URLs) {
		return "", false
	}
	return r.URLs[index-1], true
}
