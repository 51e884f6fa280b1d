package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

const (
	providerHTTPTimeout = 60 * time.Second
	defaultMaxTokens    = 1024
)

// postJSON sends a JSON POST and returns the raw response body and
// status code. A non-nil error means the call never produced a usable
// response; status-level failures are left to the caller.
func postJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string) ([]byte, int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// apiErrorMessage extracts a vendor error message from an error body.
// Vendors disagree on the envelope shape, so both common forms are
// tried before falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// tokenCost estimates the dollar cost of a call from per-1K-token prices.
func tokenCost(promptTokens, completionTokens int, inputPer1K, outputPer1K float64) float64 {
	return float64(promptTokens)/1000.0*inputPer1K + float64(completionTokens)/1000.0*outputPer1K
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}
