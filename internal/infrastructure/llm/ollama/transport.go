package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// endpoint is one Ollama API route together with the domain failure its
// errors are reported as.
type endpoint struct {
	name    string
	path    string
	failure error
}

var (
	embedEndpoint    = endpoint{name: "embed", path: "/api/embed", failure: domain.ErrEmbeddingUnavailable}
	generateEndpoint = endpoint{name: "generate", path: "/api/generate", failure: domain.ErrGenerationFailed}
)

// apiError is the body Ollama sends with a failed request, and occasionally
// with a 200 when a model fails mid-load.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) call(ctx context.Context, ep endpoint, payload any, out any) error {
	if err := c.post(ctx, ep, payload, out); err != nil {
		return classifyFailure(ep, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, ep endpoint, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", ep.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ep.path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", ep.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", ep.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", ep.name, err)
	}
	if resp.StatusCode >= 300 {
		return &HTTPStatusError{
			Endpoint:   ep.name,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}

	var failed apiError
	if json.Unmarshal(raw, &failed) == nil && failed.Error != "" {
		return &HTTPStatusError{Endpoint: ep.name, StatusCode: resp.StatusCode, Message: failed.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", ep.name, err)
	}
	return nil
}

// errorMessage prefers Ollama's {"error": ...} text and falls back to the
// first bytes of whatever a proxy in front of it returned.
func errorMessage(raw []byte) string {
	var failed apiError
	if json.Unmarshal(raw, &failed) == nil && failed.Error != "" {
		return failed.Error
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
