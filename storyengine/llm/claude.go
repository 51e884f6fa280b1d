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
	claudeDefaultBaseURL = "https://api.anthropic.com"
	claudeDefaultModel   = "claude-3-5-sonnet-20241022"
	anthropicVersion     = "2023-06-01"

	claudeInputCostPer1K  = 0.003
	claudeOutputCostPer1K = 0.015
)

// ClaudeProvider calls the Anthropic messages API.
type ClaudeProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewClaudeProvider creates a Claude provider. Empty model and baseURL
// fall back to the defaults.
func NewClaudeProvider(apiKey, model, baseURL string) *ClaudeProvider {
	if model == "" {
		model = claudeDefaultModel
	}
	if baseURL == "" {
		baseURL = claudeDefaultBaseURL
	}
	return &ClaudeProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: providerHTTPTimeout},
	}
}

func (p *ClaudeProvider) Name() string  { return ProviderClaude }
func (p *ClaudeProvider) Model() string { return p.model }

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends a single-turn completion to the messages endpoint.
func (p *ClaudeProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	body := claudeRequest{
		Model:       p.model,
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
		System:      req.System,
		Temperature: req.Temperature,
	}
	respBody, status, err := postJSON(ctx, p.client, p.baseURL+"/v1/messages", body, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return nil, NewProviderError(ProviderClaude, 0, "request failed", err)
	}
	if status != http.StatusOK {
		return nil, NewProviderError(ProviderClaude, status, apiErrorMessage(respBody), nil)
	}
	var parsed claudeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(ProviderClaude, status, "malformed response body", err)
	}
	if parsed.Error != nil {
		return nil, NewProviderError(ProviderClaude, status, parsed.Error.Message, nil)
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, NewProviderError(ProviderClaude, status, "no text content in response", nil)
	}
	model := parsed.Model
	if model == "" {
		model = p.model
	}
	return &GenerateResult{
		Provider: ProviderClaude,
		Model:    model,
		Text:     text,
		Usage: ledger.Usage{
			Prompt:     parsed.Usage.InputTokens,
			Completion: parsed.Usage.OutputTokens,
			Total:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			CostUSD:    tokenCost(parsed.Usage.InputTokens, parsed.Usage.OutputTokens, claudeInputCostPer1K, claudeOutputCostPer1K),
		},
		Duration: time.Since(start),
	}, nil
}

var _ Provider = (*ClaudeProvider)(nil)
