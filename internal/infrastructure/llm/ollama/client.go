package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const defaultEmbedTimeout = 120 * time.Second

// Client holds the connection details shared by the embedder, generator and scorer.
type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	http       *http.Client
}

func New(baseURL, genModel, embedModel string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		// Streams are bounded by the request context, not a client timeout.
		http: &http.Client{},
	}
}

type modelOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options *modelOptions `json:"options,omitempty"`
}

func (c *Client) generateRequest(prompt, system string, maxTokens int, stream bool) generateRequest {
	req := generateRequest{Model: c.genModel, Prompt: prompt, System: system, Stream: stream}
	if maxTokens > 0 {
		req.Options = &modelOptions{NumPredict: maxTokens}
	}
	return req
}

// Embedder is the Ollama embedding provider.
type Embedder struct {
	client  *Client
	timeout time.Duration
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client, timeout: defaultEmbedTimeout}
}

func (e *Embedder) ModelVersion() string {
	return "ollama/" + e.client.embedModel
}

// Embed sends the whole batch in one /api/embed call.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: e.client.embedModel, Input: texts}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", req, &resp, "embed"); err != nil {
		return nil, err
	}
	if got := len(resp.Embeddings); got != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d vectors for %d inputs", got, len(texts))
	}
	return resp.Embeddings, nil
}

// Generator streams completions from /api/generate.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Generate(ctx context.Context, req domain.GenerationRequest, emit func(token string) error) error {
	body := g.client.generateRequest(req.Prompt, req.System, req.MaxTokens, true)
	return g.client.postStream(ctx, "/api/generate", body, "generate", emit)
}

// complete runs a single non-streaming generation and returns the trimmed reply.
func (c *Client) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	var resp struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", c.generateRequest(prompt, "", maxTokens, false), &resp, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}
