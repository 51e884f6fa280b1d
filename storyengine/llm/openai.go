package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agent-adventures/adventure-core/storyengine/ledger"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com"
	openAIDefaultModel   = "gpt-4o"

	gptInputCostPer1K  = 0.0025
	gptOutputCostPer1K = 0.01
)

// OpenAIProvider calls the OpenAI chat completions API.
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a GPT provider. Empty model and baseURL
// fall back to the defaults.
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	if model == "" {
		model = openAIDefaultModel
	}
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: providerHTTPTimeout},
	}
}

func (p *OpenAIProvider) Name() string  { return ProviderGPT }
func (p *OpenAIProvider) Model() string { return p.model }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate sends a single-turn completion to the chat completions
// endpoint.
func (p *OpenAIProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	body := openAIRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		Temperature: req.Temperature,
	}
	respBody, status, err := postJSON(ctx, p.client, p.baseURL+"/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	})
	if err != nil {
		return nil, NewProviderError(ProviderGPT, 0, "request failed", err)
	}
	if status != http.StatusOK {
		return nil, NewProviderError(ProviderGPT, status, apiErrorMessage(respBody), nil)
	}
	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(ProviderGPT, status, "malformed response body", err)
	}
	if parsed.Error != nil {
		return nil, NewProviderError(ProviderGPT, status, parsed.Error.Message, nil)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, NewProviderError(ProviderGPT, status, "no choices in response", nil)
	}
	model := parsed.Model
	if model == "" {
		model = p.model
	}
	total := parsed.Usage.TotalTokens
	if total == 0 {
		total = parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens
	}
	return &GenerateResult{
		Provider: ProviderGPT,
		Model:    model,
		Text:     parsed.Choices[0].Message.Content,
		Usage: ledger.Usage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      total,
			CostUSD:    tokenCost(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, gptInputCostPer1K, gptOutputCostPer1K),
		},
		Duration: time.Since(start),
	}, nil
}

var _ Provider = (*OpenAIProvider)(nil)
