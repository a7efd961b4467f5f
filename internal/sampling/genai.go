// Package sampling provides a standalone Sampler backend for merge_knowledge
// when the process runs outside an MCP peer (no client-side createMessage
// available), using Gemini via google.golang.org/genai, selected with
// --sampling-backend=genai. It is the only Sampler in this module: no
// peer-sampling adapter exists in internal/dispatch, so under the default
// "peer" backend merge_knowledge fails with a sampling error.
package sampling

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/memorize-mcp/memorize-mcp/internal/engine"
)

// GenAISampler calls a Gemini model to synthesize merge_knowledge prompts.
type GenAISampler struct {
	client *genai.Client
	model  string
}

// NewGenAISampler builds a Sampler backed by the Gemini API. apiKey falls
// back to GEMINI_API_KEY / GOOGLE_API_KEY when empty, matching the
// ecosystem's usual client-discovery convention.
func NewGenAISampler(ctx context.Context, apiKey, model string) (*GenAISampler, error) {
	if strings.TrimSpace(apiKey) == "" {
		apiKey = firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("sampling: new genai client: %w", err)
	}
	return &GenAISampler{client: client, model: model}, nil
}

// CreateMessage implements engine.Sampler.
func (s *GenAISampler) CreateMessage(ctx context.Context, req engine.SamplingRequest) (string, error) {
	temp := float32(req.Temperature)
	maxTokens := int32(req.MaxTokens)
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("sampling: generate content: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("sampling: empty response from model %s", s.model)
	}
	return text, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ engine.Sampler = (*GenAISampler)(nil)
