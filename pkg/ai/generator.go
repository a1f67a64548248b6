package ai

import "context"

// CaptionPrompt describes one caption-generation request.
type CaptionPrompt struct {
	Mood        string
	Description string
	ImageURL    string
	Count       int
}

// CaptionOutput is whatever the model produced. Raw is unshaped text;
// callers are responsible for normalizing it. Unsafe is set when the
// provider refused the content on safety grounds.
type CaptionOutput struct {
	Unsafe       bool
	UnsafeReason string
	Raw          string
}

// CaptionGenerator generates social captions for an image and mood.
type CaptionGenerator interface {
	Generate(ctx context.Context, prompt CaptionPrompt) (CaptionOutput, error)
}
