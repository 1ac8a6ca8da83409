package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ent0n29/stoicguide/internal/conversation"
)

const (
	DefaultTimeout = 60 * time.Second
	maxErrorBody   = 4 << 10
	maxReplyBody   = 4 << 20
)

// HTTPClient talks to the generation service over JSON/HTTP. It never
// retries; a failed call is terminal for the request that made it.
type HTTPClient struct {
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	validate *validator.Validate
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (Response, error) {
	if req.ConversationContext == nil {
		req.ConversationContext = []ContextMessage{}
	}
	body, err := c.postJSON(ctx, "generate", "/chat", req)
	if err != nil {
		return Response{}, err
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Response{}, protocolError("generate", "decode response: %v", err)
	}
	if err := c.validate.Struct(wire); err != nil {
		return Response{}, protocolError("generate", "invalid response: %v", err)
	}
	if strings.TrimSpace(*wire.Answer) == "" {
		return Response{}, protocolError("generate", "empty answer")
	}

	out := Response{Answer: *wire.Answer, Usage: wire.Usage}
	if len(wire.Sources) > 0 {
		out.Sources = make([]conversation.Source, 0, len(wire.Sources))
		for _, s := range wire.Sources {
			out.Sources = append(out.Sources, conversation.Source{
				Title:      s.Title,
				ChunkID:    s.ChunkID,
				Page:       s.Page,
				Similarity: *s.Similarity,
				Snippet:    s.Snippet,
			})
		}
	}
	return out, nil
}

func (c *HTTPClient) GenerateTitle(ctx context.Context, userMessage, assistantResponse string) (string, error) {
	body, err := c.postJSON(ctx, "generate title", "/generate-title", titleRequest{
		UserMessage:       userMessage,
		AssistantResponse: assistantResponse,
	})
	if err != nil {
		return "", err
	}
	var res titleResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", protocolError("generate title", "decode response: %v", err)
	}
	title := CleanTitle(res.Title)
	if title == "" {
		return "", protocolError("generate title", "empty title")
	}
	return title, nil
}

// Ingest triggers document ingestion upstream and relays whatever comes
// back, error statuses included.
func (c *HTTPClient) Ingest(ctx context.Context) (Forwarded, error) {
	return c.forward(ctx, "ingest", http.MethodPost, "/ingest")
}

// Cleanup empties the knowledge base upstream; the next Ingest starts over.
func (c *HTTPClient) Cleanup(ctx context.Context) (Forwarded, error) {
	return c.forward(ctx, "cleanup", http.MethodPost, "/cleanup")
}

func (c *HTTPClient) Stats(ctx context.Context) (Forwarded, error) {
	return c.forward(ctx, "stats", http.MethodGet, "/stats")
}

func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, min(c.timeout, 5*time.Second))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return unavailable("health", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBody))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("health: %w", &StatusError{StatusCode: res.StatusCode})
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, op, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, fmt.Errorf("%s: %w", op, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBody))
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("read response: %w", err))
	}
	return body, nil
}

func (c *HTTPClient) forward(ctx context.Context, op, method, path string) (Forwarded, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return Forwarded{}, fmt.Errorf("%s: create request: %w", op, err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return Forwarded{}, unavailable(op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBody))
	if err != nil {
		return Forwarded{}, unavailable(op, err)
	}
	return Forwarded{
		StatusCode:  res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
