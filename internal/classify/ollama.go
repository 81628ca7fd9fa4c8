package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "smartcal/internal/log"
)

// OllamaClassifier classifies events with a local Ollama server.
type OllamaClassifier struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaClassifier creates a classifier talking to endpoint/api/generate.
func NewOllamaClassifier(endpoint, model string, timeout time.Duration) *OllamaClassifier {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "qwen3:8b"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaClassifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

func (o *OllamaClassifier) Classify(ctx context.Context, in Input) Verdict {
	text, err := o.generate(ctx, buildPrompt(in))
	if err != nil {
		appLog.Warn("ollama classification unavailable", "summary", in.Summary, "err", err)
		return Unavailable()
	}
	v, err := parseVerdict(text)
	if err != nil {
		appLog.Warn("ollama returned unusable verdict", "summary", in.Summary, "err", err)
		return Unavailable()
	}
	return v
}

func (o *OllamaClassifier) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Response, nil
}

func (o *OllamaClassifier) Name() string {
	return fmt.Sprintf("ollama:%s", o.model)
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}
