package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	openaisdk "github.com/openai/openai-go"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	openrouterx "github.com/tanpawarit/care-dialogue-scheduler/pkg/openrouter"
)

var _ einoembedding.Embedder = (*OpenAIEmbedder)(nil)

type Config struct {
	BaseURL    string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.openai.com/v1"`
	APIKey     string        `envconfig:"API_KEY" split_words:"true"`
	Model      string        `envconfig:"MODEL" split_words:"true" default:"text-embedding-3-small"`
	Dimensions int           `envconfig:"DIMENSIONS" split_words:"true" default:"0"`
	Timeout    time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	// HashDimension sizes the local embedder used when no API key is set.
	HashDimension int `envconfig:"HASH_DIMENSION" split_words:"true" default:"256"`
}

// Remote reports whether an OpenAI-compatible endpoint is configured.
func (c Config) Remote() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client     *openaisdk.Client
	model      string
	dimensions int
	timeout    time.Duration
}

func NewOpenAIEmbedder(client *openaisdk.Client, cfg Config) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("%w: embedding model is required", contractx.ErrValidation)
	}
	return &OpenAIEmbedder{
		client:     client,
		model:      model,
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
	}, nil
}

// New picks the remote embedder when an API key is configured and the local
// hashing embedder otherwise.
func New(cfg Config) (einoembedding.Embedder, error) {
	if !cfg.Remote() {
		return NewHashEmbedder(cfg.HashDimension), nil
	}
	client := openrouterx.NewClient(openrouterx.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	})
	return NewOpenAIEmbedder(client, cfg)
}

func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	params := openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openaisdk.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openaisdk.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: embeddings request: %v", contractx.ErrBackendFailure, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: embeddings returned %d vectors for %d inputs", contractx.ErrBackendFailure, len(resp.Data), len(texts))
	}

	out := make([][]float64, len(texts))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			return nil, fmt.Errorf("%w: embeddings returned bad index %d", contractx.ErrBackendFailure, item.Index)
		}
		out[idx] = item.Embedding
	}
	return out, nil
}
