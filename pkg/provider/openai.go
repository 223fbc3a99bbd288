package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sashabaranov/go-openai"

	"github.com/coalescedb/coalesce/pkg/types"
)

// OpenAIConfig configures both OpenAI-backed services. BaseURL supports
// OpenAI-compatible endpoints.
type OpenAIConfig struct {
	BaseURL        string
	EmbedModel     string
	ExtractModel   string
	Dimensions     int
	EmbedBatchSize int
}

// OpenAIEmbedder implements Embedder on the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIEmbedder creates an embedder client.
func NewOpenAIEmbedder(apiKey string, config OpenAIConfig) *OpenAIEmbedder {
	if config.EmbedModel == "" {
		config.EmbedModel = string(openai.SmallEmbedding3)
	}
	if config.Dimensions == 0 {
		config.Dimensions = 1536
	}
	if config.EmbedBatchSize == 0 {
		config.EmbedBatchSize = 100
	}
	return &OpenAIEmbedder{client: newClient(apiKey, config.BaseURL), config: config}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.EmbedBatchSize {
		end := start + e.config.EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.config.EmbedModel),
			Input: texts[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embeddings: asked for %d vectors, got %d", end-start, len(resp.Data))
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int { return e.config.Dimensions }

// OpenAIExtractor implements Extractor with a chat completion in JSON
// mode. Responses are repaired before unmarshalling since models emit
// trailing commas and unquoted keys under load.
type OpenAIExtractor struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIExtractor creates an extractor client.
func NewOpenAIExtractor(apiKey string, config OpenAIConfig) *OpenAIExtractor {
	if config.ExtractModel == "" {
		config.ExtractModel = openai.GPT4o
	}
	return &OpenAIExtractor{client: newClient(apiKey, config.BaseURL), config: config}
}

const extractionSystemPrompt = `You extract knowledge from text into a graph.
Return a JSON object with two arrays:
"entities": [{"name", "labels", "summary", "attributes"}]
"facts": [{"source_name", "target_name", "relation", "fact", "valid_at"}]
Relations are UPPER_SNAKE_CASE verbs. "fact" is one sentence quoting the claim.
"valid_at" is RFC3339 when the text states when the fact became true, else omit it.
Only extract what the text supports. Use names consistently across entities and facts.`

// Extract implements Extractor.
func (x *OpenAIExtractor) Extract(ctx context.Context, episode *types.Episode, previous []*types.Episode) (*Extraction, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: extractionSystemPrompt},
	}
	if len(previous) > 0 {
		var b strings.Builder
		b.WriteString("Earlier context from the same conversation:\n")
		for _, p := range previous {
			fmt.Fprintf(&b, "- %s\n", p.Content)
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: b.String(),
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: episode.Content,
	})

	resp, err := x.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    x.config.ExtractModel,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("extraction completion: no choices returned")
	}

	return ParseExtraction(resp.Choices[0].Message.Content)
}

// ParseExtraction decodes raw model output into an Extraction, repairing
// malformed JSON first and dropping drafts that fail schema checks.
func ParseExtraction(raw string) (*Extraction, error) {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		repaired = raw
	}
	var out Extraction
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, &types.ValidationError{Field: "extraction", Reason: fmt.Sprintf("unparseable model output: %v", err)}
	}
	out.validate()
	return &out, nil
}

func newClient(apiKey, baseURL string) *openai.Client {
	if baseURL != "" {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		return openai.NewClientWithConfig(cfg)
	}
	return openai.NewClient(apiKey)
}
