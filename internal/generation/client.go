package generation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Client is the gateway to the external retrieval and generation service.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	GenerateTitle(ctx context.Context, userMessage, assistantResponse string) (string, error)
	Ingest(ctx context.Context) (Forwarded, error)
	Cleanup(ctx context.Context) (Forwarded, error)
	Stats(ctx context.Context) (Forwarded, error)
	Health(ctx context.Context) error
}

// Config controls client construction.
type Config struct {
	Mode    string
	BaseURL string
	Timeout time.Duration
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "http"
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("generation service url is required for http mode")
		}
		return NewHTTPClient(cfg.BaseURL, cfg.Timeout), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported generation mode %q", cfg.Mode)
	}
}
