package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ProviderIDGoogle identifies the Gemini generateContent provider.
const ProviderIDGoogle = "google"

type googleProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGoogle creates a provider for the Gemini generateContent API.
func NewGoogle(apiKey, model, baseURL string, client *http.Client) Provider {
	if client == nil {
		client = http.DefaultClient
	}

	return &googleProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *googleProvider) ID() string {
	return ProviderIDGoogle
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type googleRequest struct {
	SystemInstruction *googleContent         `json:"systemInstruction,omitempty"`
	Contents          []googleContent        `json:"contents"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (p *googleProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body := googleRequest{
		Contents: []googleContent{{
			Role:  "user",
			Parts: []googlePart{{Text: prompt.User}},
		}},
		GenerationConfig: googleGenerationConfig{Temperature: prompt.Temperature},
	}

	if prompt.System != "" {
		body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: prompt.System}}}
	}

	if prompt.JSON {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(p.model))

	var resp googleResponse

	if err := postJSON(ctx, p.client, ProviderIDGoogle, endpoint,
		map[string]string{"x-goog-api-key": p.apiKey},
		body,
		&resp,
	); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 {
		msg := "no candidates returned"
		if resp.PromptFeedback.BlockReason != "" {
			msg = "prompt blocked: " + resp.PromptFeedback.BlockReason
		}

		return "", &ProviderError{Provider: ProviderIDGoogle, Kind: KindTransport, Message: msg}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	if strings.TrimSpace(text.String()) == "" {
		return "", &ProviderError{
			Provider: ProviderIDGoogle,
			Kind:     KindTransport,
			Message:  "empty completion",
		}
	}

	return text.String(), nil
}
