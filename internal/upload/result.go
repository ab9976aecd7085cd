package upload

import (
	"fmt"
	"time"
)

const sAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Result is what an upload reports to its caller. ImageKey is set whenever the bytes were
// committed, even when Success is false.
type Result struct {
	Success           bool   `json:"success"`
	ImageKey          string `json:"image_key,omitempty"`
	MainURL           string `json:"main_url,omitempty"`
	MaskURL           string `json:"mask_url,omitempty"`
	Mask              string `json:"mask,omitempty"`
	WithoutBackground bool   `json:"without_background"`
	Error             string `json:"error,omitempty"`
}

// PostProcess is the outcome of the best-effort query run after commit.
type PostProcess struct {
	MainURL           string
	MaskURL           string
	Mask              string
	WithoutBackground bool
	Err               error
}

func Committed(imageKey string) Result {
	return Result{ImageKey: imageKey}
}

// Merge folds the post-processing outcome into a committed result. A failed step keeps the
// key but turns the result into a reported failure.
func (r Result) Merge(pp PostProcess) Result {
	if pp.Err != nil {
		r.Success = false
		r.Error = fmt.Sprintf("image stored as %s but post-processing failed: %v", r.ImageKey, pp.Err)
		return r
	}
	r.Success = true
	r.MainURL = pp.MainURL
	r.MaskURL = pp.MaskURL
	r.Mask = pp.Mask
	r.WithoutBackground = pp.WithoutBackground
	return r
}

// GenerateS derives the 11 character apply-upload nonce from the millisecond clock.
func GenerateS(now time.Time) string {
	seed := int(now.UnixMilli() % 1_000_000)
	out := make([]byte, 11)
	for i := range out {
		out[i] = sAlphabet[(seed+7*i)%len(sAlphabet)]
	}
	return string(out)
}
