// Package localllm adapts a local autoregressive model server to the small
// generation surface the chat command needs.
package localllm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/orneryd/pocketwiki/pkg/envutil"
)

// Generator streams tokens for a prompt. Cancellation is through ctx; the
// stream stops at the next token boundary after cancel.
type Generator interface {
	GenerateStream(ctx context.Context, prompt string, onToken func(token string) error) error
}

// OllamaGenerator runs generation against a local Ollama server.
type OllamaGenerator struct {
	client *resty.Client
	model  string
}

// NewOllamaGenerator creates a generator for model (default llama3.2).
func NewOllamaGenerator(baseURL, model string) *OllamaGenerator {
	if baseURL == "" {
		baseURL = envutil.Get("POCKETWIKI_OLLAMA_URL", "http://localhost:11434")
	}
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaGenerator{
		client: resty.New().SetBaseURL(baseURL).SetDoNotParseResponse(true),
		model:  model,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// GenerateStream posts the prompt and forwards each streamed token to
// onToken. An onToken error aborts the stream and is returned as-is.
func (g *OllamaGenerator) GenerateStream(ctx context.Context, prompt string, onToken func(string) error) error {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(generateRequest{Model: g.model, Prompt: prompt, Stream: true}).
		Post("/api/generate")
	if err != nil {
		return fmt.Errorf("localllm: generate: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("localllm: generate: status %d", resp.StatusCode())
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var chunk generateChunk
		if err := json.Unmarshal(sc.Bytes(), &chunk); err != nil {
			return fmt.Errorf("localllm: decode stream: %w", err)
		}
		if chunk.Response != "" {
			if err := onToken(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	return sc.Err()
}

// WithTimeout returns a copy whose requests carry a hard deadline.
func (g *OllamaGenerator) WithTimeout(d time.Duration) *OllamaGenerator {
	clone := *g
	clone.client = g.client.SetTimeout(d)
	return &clone
}

// BuildPrompt formats retrieved context and the user question into the
// grounded-answer prompt. Context entries already carry their [title]
// citation markers.
func BuildPrompt(question, contextText string) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant answering questions using only the provided Wikipedia excerpts.\n")
	b.WriteString("Cite the page titles in brackets when you use them. If the excerpts do not contain the answer, say so.\n\n")
	b.WriteString("Excerpts:\n")
	b.WriteString(contextText)
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer: ")
	return b.String()
}
