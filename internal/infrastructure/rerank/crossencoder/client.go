package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

// Client scores (query, passage) pairs against a cross-encoder service
// exposing POST /rerank {query, documents} -> {results: [{index, score}]}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		executor:   executor,
	}
}

func (c *Client) Name() string {
	return "crossencoder"
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

func (c *Client) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	var response rerankResponse
	call := func(ctx context.Context) error {
		response = rerankResponse{}
		return c.post(ctx, rerankRequest{Query: query, Documents: passages}, &response)
	}
	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "rerank.crossencoder", call, classifyError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	if len(response.Results) != len(passages) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d passages", len(response.Results), len(passages))
	}
	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, result := range response.Results {
		if result.Index < 0 || result.Index >= len(passages) || seen[result.Index] {
			return nil, fmt.Errorf("cross-encoder returned invalid index %d", result.Index)
		}
		seen[result.Index] = true
		scores[result.Index] = result.Score
	}
	return scores, nil
}

func (c *Client) post(ctx context.Context, payload rerankRequest, out *rerankResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cross-encoder request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rerank response: %w", err)
	}
	return nil
}

type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("cross-encoder status: %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("cross-encoder status: %d", e.StatusCode)
}

func (e *HTTPStatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout:
		return domain.ErrTemporary
	default:
		return nil
	}
}

func classifyError(err error) resilience.ErrorClassification {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.Unwrap() != nil
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.TransientClassifier(err)
}
