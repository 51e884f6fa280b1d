package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agent-adventures/adventure-core/storyengine/ledger"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultModel   = "gemini-1.5-flash"

	geminiInputCostPer1K  = 0.000075
	geminiOutputCostPer1K = 0.0003
)

// GeminiProvider calls the Google generateContent API.
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGeminiProvider creates a Gemini provider. Empty model and baseURL
// fall back to the defaults.
func NewGeminiProvider(apiKey, model, baseURL string) *GeminiProvider {
	if model == "" {
		model = geminiDefaultModel
	}
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: providerHTTPTimeout},
	}
}

func (p *GeminiProvider) Name() string  { return ProviderGemini }
func (p *GeminiProvider) Model() string { return p.model }

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends a single-turn completion to the generateContent
// endpoint. The API key travels as a query parameter, not a header.
func (p *GeminiProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: maxTokensOrDefault(req.MaxTokens),
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	respBody, status, err := postJSON(ctx, p.client, url, body, nil)
	if err != nil {
		return nil, NewProviderError(ProviderGemini, 0, "request failed", err)
	}
	if status != http.StatusOK {
		return nil, NewProviderError(ProviderGemini, status, apiErrorMessage(respBody), nil)
	}
	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewProviderError(ProviderGemini, status, "malformed response body", err)
	}
	if parsed.Error != nil {
		return nil, NewProviderError(ProviderGemini, status, parsed.Error.Message, nil)
	}
	if len(parsed.Candidates) == 0 {
		return nil, NewProviderError(ProviderGemini, status, "no candidates in response", nil)
	}
	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, NewProviderError(ProviderGemini, status, "no text content in response", nil)
	}
	var promptTokens, completionTokens, totalTokens int
	if parsed.UsageMetadata != nil {
		promptTokens = parsed.UsageMetadata.PromptTokenCount
		completionTokens = parsed.UsageMetadata.CandidatesTokenCount
		totalTokens = parsed.UsageMetadata.TotalTokenCount
	}
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}
	return &GenerateResult{
		Provider: ProviderGemini,
		Model:    p.model,
		Text:     text.String(),
		Usage: ledger.Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      totalTokens,
			CostUSD:    tokenCost(promptTokens, completionTokens, geminiInputCostPer1K, geminiOutputCostPer1K),
		},
		Duration: time.Since(start),
	}, nil
}

var _ Provider = (*GeminiProvider)(nil)
