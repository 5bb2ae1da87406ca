package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/orneryd/pocketwiki/pkg/envutil"
)

// OllamaEmbedder calls a local Ollama server for sentence embeddings.
type OllamaEmbedder struct {
	client    *resty.Client
	model     string
	dimension int
}

// NewOllamaEmbedder creates an embedder against baseURL (default
// http://localhost:11434) using model (default nomic-embed-text).
func NewOllamaEmbedder(baseURL, model string, dimension int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = envutil.Get("POCKETWIKI_OLLAMA_URL", "http://localhost:11434")
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		client:    resty.New().SetBaseURL(baseURL).SetTimeout(120 * time.Second),
		model:     model,
		dimension: dimension,
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed requests one batch of embeddings.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out ollamaEmbedResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(ollamaEmbedRequest{Model: e.model, Input: texts}).
		SetResult(&out).
		Post("/api/embed")
	if err != nil {
		return nil, externalErr("ollama embed", err)
	}
	if resp.IsError() {
		return nil, externalErr("ollama embed", fmt.Errorf("status %s", resp.Status()))
	}
	if len(out.Embeddings) != len(texts) {
		return nil, externalErr("ollama embed",
			fmt.Errorf("got %d embeddings for %d inputs", len(out.Embeddings), len(texts)))
	}
	if e.dimension == 0 && len(out.Embeddings) > 0 {
		e.dimension = len(out.Embeddings[0])
	}
	return out.Embeddings, nil
}

// Dimension reports the embedding width, once known.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// Model returns the configured model id, recorded into dense.meta.json.
func (e *OllamaEmbedder) Model() string { return e.model }
