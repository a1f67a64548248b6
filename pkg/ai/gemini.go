package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// Multimodal inference is slow; the transport allows up to 90s and
	// relies on the caller's context for per-attempt deadlines.
	defaultGeminiTimeout = 90 * time.Second
)

const systemPrompt = "You are a social media caption writer. Given a photo and a mood, " +
	"reply with a JSON array of short caption strings, one caption per entry, no other text."

// GeminiClient calls the Google AI Studio (Gemini) API with image input.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient constructs a caption client for the given model.
func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	model = normalizeModel(model)
	if model == "" {
		return nil, fmt.Errorf("gemini model required")
	}
	return &GeminiClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultGeminiBaseURL,
		httpClient: &http.Client{Timeout: defaultGeminiTimeout},
	}, nil
}

// Generate asks the model for captions. Safety blocks are reported via
// CaptionOutput.Unsafe rather than as errors so the pipeline can
// distinguish refused content from transport failures.
func (c *GeminiClient) Generate(ctx context.Context, prompt CaptionPrompt) (CaptionOutput, error) {
	parts := []part{{Text: buildUserPrompt(prompt)}}
	if url := strings.TrimSpace(prompt.ImageURL); url != "" {
		parts = append(parts, part{FileData: &fileData{MIMEType: "image/jpeg", FileURI: url}})
	}
	reqBody := generateRequest{
		Contents:          []content{{Role: "user", Parts: parts}},
		SystemInstruction: &content{Parts: []part{{Text: systemPrompt}}},
	}
	var resp generateResponse
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	if err := c.doJSON(ctx, url, reqBody, &resp); err != nil {
		return CaptionOutput{}, err
	}
	if reason := strings.TrimSpace(resp.PromptFeedback.BlockReason); reason != "" {
		return CaptionOutput{Unsafe: true, UnsafeReason: reason}, nil
	}
	if len(resp.Candidates) == 0 {
		return CaptionOutput{}, fmt.Errorf("empty response from gemini")
	}
	candidate := resp.Candidates[0]
	if strings.EqualFold(strings.TrimSpace(candidate.FinishReason), "SAFETY") {
		return CaptionOutput{Unsafe: true, UnsafeReason: "SAFETY"}, nil
	}
	if len(candidate.Content.Parts) == 0 {
		return CaptionOutput{}, fmt.Errorf("empty response from gemini")
	}
	return CaptionOutput{Raw: candidate.Content.Parts[0].Text}, nil
}

func buildUserPrompt(prompt CaptionPrompt) string {
	count := prompt.Count
	if count <= 0 {
		count = 3
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write %d captions for this photo. Mood: %s.", count, strings.TrimSpace(prompt.Mood))
	if desc := strings.TrimSpace(prompt.Description); desc != "" {
		sb.WriteString(" Context from the author: ")
		sb.WriteString(desc)
	}
	return sb.String()
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("gemini api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("gemini api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"fileData,omitempty"`
}

type fileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
