package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stoicguide/internal/config"
	"github.com/ent0n29/stoicguide/internal/generation"
	"github.com/ent0n29/stoicguide/internal/observability"
)

func testConfig() config.Config {
	return config.Config{
		Env:                "development",
		DatabaseURL:        "sqlite://:memory:",
		GenerationMode:     "mock",
		GuestSessionTTL:    time.Hour,
		ReaperInterval:     time.Hour,
		TokenTTL:           time.Hour,
		JWTSecret:          "a",
		GuestSessionSecret: "b",
		GenerationTopK:     3,
		ContextWindowSize:  6,
		RegisterRateLimit:  config.RateLimit{Max: 5, Window: time.Minute},
		LoginRateLimit:     config.RateLimit{Max: 5, Window: time.Minute},
		MessageRateLimit:   config.RateLimit{Max: 5, Window: time.Minute},

		GuestSessionRateLimit: config.RateLimit{Max: 5, Window: time.Minute},
		ConversationRateLimit: config.RateLimit{Max: 5, Window: time.Minute},
		GuestMaxConversations: 10,
	}
}

func TestBuildWiresServiceGraph(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := Build(ctx, testConfig(), Options{
		Metrics: observability.NewMetricsWithRegistry("test", prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	assert.Equal(t, "sqlite", res.Backend)
	assert.IsType(t, &generation.MockClient{}, res.Generation)

	res.Start(ctx)
	require.Eventually(t, res.Reaper.Running, time.Second, 5*time.Millisecond)

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	r, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	res.Reaper.Stop()
	assert.False(t, res.Reaper.Running())
}

func TestBuildRejectsBadGenerationMode(t *testing.T) {
	cfg := testConfig()
	cfg.GenerationMode = "grpc"
	_, err := Build(context.Background(), cfg, Options{
		Metrics: observability.NewMetricsWithRegistry("test", prometheus.NewRegistry()),
	})
	assert.Error(t, err)
}
