package llm

import (
	"context"
	"net/http"
	"strings"
)

// ProviderIDOpenAI identifies the OpenAI chat completions provider.
const ProviderIDOpenAI = "openai"

type openAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAI creates a provider for the OpenAI chat completions API.
func NewOpenAI(apiKey, model, baseURL string, client *http.Client) Provider {
	if client == nil {
		client = http.DefaultClient
	}

	return &openAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *openAIProvider) ID() string {
	return ProviderIDOpenAI
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (p *openAIProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	messages := make([]openAIMessage, 0, 2)
	if prompt.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: prompt.System})
	}

	messages = append(messages, openAIMessage{Role: "user", Content: prompt.User})

	var resp openAIResponse

	if err := postJSON(ctx, p.client, ProviderIDOpenAI, p.baseURL+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		openAIRequest{
			Model:       p.model,
			Messages:    messages,
			Temperature: prompt.Temperature,
		},
		&resp,
	); err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &ProviderError{
			Provider: ProviderIDOpenAI,
			Kind:     KindTransport,
			Message:  "empty completion",
		}
	}

	return resp.Choices[0].Message.Content, nil
}
