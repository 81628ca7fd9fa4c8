package classify

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	appLog "smartcal/internal/log"
)

// GeminiClassifier classifies events with Google's Gemini API.
type GeminiClassifier struct {
	model    string
	generate func(ctx context.Context, prompt string) (string, error)
}

// NewGeminiClassifier creates a Gemini-backed classifier.
func NewGeminiClassifier(ctx context.Context, apiKey, model string) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	g := &GeminiClassifier{model: model}
	g.generate = func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		})
		if err != nil {
			return "", fmt.Errorf("gemini generate failed: %w", err)
		}
		return resp.Text(), nil
	}
	return g, nil
}

func (g *GeminiClassifier) Classify(ctx context.Context, in Input) Verdict {
	text, err := g.generate(ctx, buildPrompt(in))
	if err != nil {
		appLog.Warn("gemini classification unavailable", "summary", in.Summary, "err", err)
		return Unavailable()
	}
	v, err := parseVerdict(text)
	if err != nil {
		appLog.Warn("gemini returned unusable verdict", "summary", in.Summary, "err", err)
		return Unavailable()
	}
	return v
}

func (g *GeminiClassifier) Name() string {
	return fmt.Sprintf("gemini:%s", g.model)
}
