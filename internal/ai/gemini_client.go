package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/avrec/logbookgo/internal/config"
)

// Client is the model surface the pipeline depends on: vision extraction of a
// page image, narrative/question embeddings, and grounded answer generation.
type Client interface {
	ExtractPage(ctx context.Context, image []byte, mimeType string) (string, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	GenerateAnswer(ctx context.Context, prompt string) (string, error)
	Close()
}

// GeminiClient interacts with the Google Gemini API using the official SDK.
// Construct it once per process and inject it; initialization is cheap and
// the underlying connection is reused across calls.
type GeminiClient struct {
	client     *genai.Client
	extraction *genai.GenerativeModel
	answer     *genai.GenerativeModel
	embedder   *genai.EmbeddingModel

	// ExtractionModelName is recorded on every page this client extracts
	ExtractionModelName string
}

// NewGeminiClient creates a new Gemini API client
func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is empty")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	extraction := client.GenerativeModel(cfg.ExtractionModel)
	// Transcription wants determinism, and fenced prose breaks the parser
	extraction.SetTemperature(0.1)
	extraction.ResponseMIMEType = "application/json"

	answer := client.GenerativeModel(cfg.AnswerModel)
	answer.SetTemperature(0.2)

	return &GeminiClient{
		client:              client,
		extraction:          extraction,
		answer:              answer,
		embedder:            client.EmbeddingModel(cfg.EmbeddingModel),
		ExtractionModelName: cfg.ExtractionModel,
	}, nil
}

// Close closes the client connection
func (c *GeminiClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// ExtractPage sends one page image with the extraction instruction and
// returns the raw response text. The response is expected to be JSON but may
// arrive wrapped in markdown fences; the caller strips those.
func (c *GeminiClient) ExtractPage(ctx context.Context, image []byte, mimeType string) (string, error) {
	format := strings.TrimPrefix(mimeType, "image/")
	resp, err := c.extraction.GenerateContent(ctx,
		genai.Text(PageExtractionPrompt),
		genai.ImageData(format, image),
	)
	if err != nil {
		return "", fmt.Errorf("gemini extraction error: %w", err)
	}
	return responseText(resp)
}

// EmbedText returns the dense vector for a narrative or question.
func (c *GeminiClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.embedder.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding error: %w", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding from gemini")
	}
	return resp.Embedding.Values, nil
}

// GenerateAnswer sends a prompt to Gemini and returns the response text
func (c *GeminiClient) GenerateAnswer(ctx context.Context, prompt string) (string, error) {
	resp, err := c.answer.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generation error: %w", err)
	}
	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}

	var fullText string
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			fullText += string(txt)
		}
	}
	return fullText, nil
}
