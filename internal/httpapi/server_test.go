package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/chat"
	"github.com/ent0n29/stoicguide/internal/config"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/generation"
	"github.com/ent0n29/stoicguide/internal/identity"
	"github.com/ent0n29/stoicguide/internal/memory"
	"github.com/ent0n29/stoicguide/internal/observability"
	"github.com/ent0n29/stoicguide/internal/ratelimit"
	"github.com/ent0n29/stoicguide/internal/session"
)

// stubGateway answers like the mock client unless err is set.
type stubGateway struct {
	generation.Client
	err error
}

func (g *stubGateway) Generate(ctx context.Context, req generation.Request) (generation.Response, error) {
	if g.err != nil {
		return generation.Response{}, g.err
	}
	return g.Client.Generate(ctx, req)
}

type testEnv struct {
	ts      *httptest.Server
	gateway *stubGateway
	guests  *session.Store
	tokens  *identity.Tokens
}

func testConfig() config.Config {
	return config.Config{
		Env:               "development",
		RegisterRateLimit: config.RateLimit{Max: 100, Window: time.Minute},
		LoginRateLimit:    config.RateLimit{Max: 100, Window: time.Minute},
		MessageRateLimit:  config.RateLimit{Max: 100, Window: time.Minute},
		AdminToken:        "admin-secret",

		GuestSessionRateLimit: config.RateLimit{Max: 100, Window: time.Minute},
		ConversationRateLimit: config.RateLimit{Max: 100, Window: time.Minute},
	}
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	durable, err := memory.NewSQLiteStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = durable.Close() })

	guests := session.NewStore(time.Hour)
	tokens := identity.NewTokens("user-secret", "guest-secret", time.Hour)
	gateway := &stubGateway{Client: generation.NewMockClient()}
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	convs := conversation.NewService(durable, guests)
	chatSvc := chat.NewService(convs, gateway, chat.Options{Metrics: metrics})
	t.Cleanup(chatSvc.Wait)

	srv := New(cfg, Deps{
		Accounts:      identity.NewAccounts(durable, tokens),
		Tokens:        tokens,
		Resolver:      identity.NewResolver(tokens, durable, nil),
		Conversations: convs,
		Chat:          chatSvc,
		Guests:        guests,
		Generation:    gateway,
		Durable:       durable,
		Limiter:       ratelimit.New(),
		Metrics:       metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, gateway: gateway, guests: guests, tokens: tokens}
}

type result struct {
	status int
	header http.Header
	body   map[string]any
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) result {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()

	out := result{status: res.StatusCode, header: res.Header}
	raw, _ := io.ReadAll(res.Body)
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return out
}

func (e *testEnv) guest(t *testing.T) map[string]string {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/guest/session", nil, nil)
	if res.status != http.StatusCreated {
		t.Fatalf("guest session status = %d, want %d", res.status, http.StatusCreated)
	}
	token, _ := res.body["token"].(string)
	if token == "" {
		t.Fatalf("missing token: %+v", res.body)
	}
	return map[string]string{guestSessionHeader: token}
}

func (e *testEnv) register(t *testing.T, email string) map[string]string {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/auth/register", map[string]string{"email": email, "password": "memento-mori"}, nil)
	if res.status != http.StatusCreated {
		t.Fatalf("register status = %d, body = %+v", res.status, res.body)
	}
	return map[string]string{"Authorization": "Bearer " + res.body["token"].(string)}
}

func (e *testEnv) createConversation(t *testing.T, auth map[string]string) string {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/conversations", nil, auth)
	if res.status != http.StatusCreated {
		t.Fatalf("create conversation status = %d, body = %+v", res.status, res.body)
	}
	return res.body["id"].(string)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if res := env.do(t, http.MethodGet, "/healthz", nil, nil); res.status != http.StatusOK {
		t.Fatalf("healthz status = %d", res.status)
	}
	res := env.do(t, http.MethodGet, "/readyz", nil, nil)
	if res.status != http.StatusOK || res.body["durable_store"] != "ok" {
		t.Fatalf("readyz = %d %+v", res.status, res.body)
	}
	if res := env.do(t, http.MethodGet, "/v1/perf/latency", nil, nil); res.status != http.StatusOK {
		t.Fatalf("perf status = %d", res.status)
	}
}

func TestRegisterLoginMe(t *testing.T) {
	env := newTestEnv(t, testConfig())
	auth := env.register(t, "Marcus@Rome.example")

	me := env.do(t, http.MethodGet, "/v1/auth/me", nil, auth)
	if me.status != http.StatusOK || me.body["email"] != "marcus@rome.example" {
		t.Fatalf("me = %d %+v", me.status, me.body)
	}
	if _, leaked := me.body["password_hash"]; leaked {
		t.Fatalf("me leaked the password hash: %+v", me.body)
	}

	dup := env.do(t, http.MethodPost, "/v1/auth/register", map[string]string{"email": "marcus@rome.example", "password": "memento-mori"}, nil)
	if dup.status != http.StatusConflict || dup.body["code"] != "email_taken" {
		t.Fatalf("duplicate register = %d %+v", dup.status, dup.body)
	}

	login := env.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"email": "marcus@rome.example", "password": "memento-mori"}, nil)
	if login.status != http.StatusOK || login.body["token"] == "" {
		t.Fatalf("login = %d %+v", login.status, login.body)
	}
	bad := env.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"email": "marcus@rome.example", "password": "wrong-password"}, nil)
	if bad.status != http.StatusUnauthorized || bad.body["code"] != "invalid_credentials" {
		t.Fatalf("bad login = %d %+v", bad.status, bad.body)
	}
	unknown := env.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"email": "nobody@rome.example", "password": "wrong-password"}, nil)
	if unknown.status != http.StatusUnauthorized || unknown.body["code"] != "invalid_credentials" {
		t.Fatalf("unknown login = %d %+v", unknown.status, unknown.body)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	cases := []any{
		map[string]string{"email": "not-an-email", "password": "memento-mori"},
		map[string]string{"email": "a@b.co", "password": "short"},
		nil,
	}
	for i, body := range cases {
		res := env.do(t, http.MethodPost, "/v1/auth/register", body, nil)
		if res.status != http.StatusBadRequest || res.body["code"] != "invalid_request" {
			t.Fatalf("case %d: status = %d body = %+v", i, res.status, res.body)
		}
	}
}

func TestGuestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, testConfig())
	auth := env.guest(t)
	id := env.createConversation(t, auth)

	send := env.do(t, http.MethodPost, "/v1/conversations/"+id+"/messages", map[string]string{"content": "How do I face fear?"}, auth)
	if send.status != http.StatusCreated {
		t.Fatalf("send status = %d body = %+v", send.status, send.body)
	}
	if _, ok := send.body["assistant_message"].(map[string]any); !ok {
		t.Fatalf("missing assistant_message: %+v", send.body)
	}

	list := env.do(t, http.MethodGet, "/v1/conversations/"+id+"/messages", nil, auth)
	msgs, _ := list.body["messages"].([]any)
	if list.status != http.StatusOK || len(msgs) != 2 {
		t.Fatalf("messages = %d %+v", list.status, list.body)
	}

	renamed := env.do(t, http.MethodPatch, "/v1/conversations/"+id, map[string]string{"title": "On fear"}, auth)
	if renamed.status != http.StatusOK || renamed.body["title"] != "On fear" {
		t.Fatalf("rename = %d %+v", renamed.status, renamed.body)
	}

	convs := env.do(t, http.MethodGet, "/v1/conversations", nil, auth)
	if items, _ := convs.body["conversations"].([]any); len(items) != 1 {
		t.Fatalf("conversations = %+v", convs.body)
	}

	if res := env.do(t, http.MethodDelete, "/v1/conversations/"+id, nil, auth); res.status != http.StatusNoContent {
		t.Fatalf("delete status = %d", res.status)
	}
	if res := env.do(t, http.MethodGet, "/v1/conversations/"+id, nil, auth); res.status != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", res.status)
	}
}

func TestConversationsRequireIdentity(t *testing.T) {
	env := newTestEnv(t, testConfig())
	res := env.do(t, http.MethodGet, "/v1/conversations", nil, nil)
	if res.status != http.StatusUnauthorized || res.body["code"] != "unauthenticated" {
		t.Fatalf("status = %d body = %+v", res.status, res.body)
	}
	res = env.do(t, http.MethodGet, "/v1/conversations", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.status != http.StatusUnauthorized {
		t.Fatalf("garbage bearer status = %d", res.status)
	}
}

func TestInvalidBearerFallsBackToGuest(t *testing.T) {
	env := newTestEnv(t, testConfig())
	auth := env.guest(t)
	auth["Authorization"] = "Bearer not-a-jwt"
	if res := env.do(t, http.MethodGet, "/v1/conversations", nil, auth); res.status != http.StatusOK {
		t.Fatalf("status = %d body = %+v", res.status, res.body)
	}
}

func TestConversationNotOwnedIsNotFound(t *testing.T) {
	env := newTestEnv(t, testConfig())
	alice := env.register(t, "alice@example.com")
	bob := env.register(t, "bob@example.com")
	guest := env.guest(t)

	id := env.createConversation(t, alice)
	for name, auth := range map[string]map[string]string{"bob": bob, "guest": guest} {
		if res := env.do(t, http.MethodGet, "/v1/conversations/"+id, nil, auth); res.status != http.StatusNotFound {
			t.Fatalf("%s get status = %d", name, res.status)
		}
		if res := env.do(t, http.MethodDelete, "/v1/conversations/"+id, nil, auth); res.status != http.StatusNotFound {
			t.Fatalf("%s delete status = %d", name, res.status)
		}
		res := env.do(t, http.MethodPost, "/v1/conversations/"+id+"/messages", map[string]string{"content": "hi"}, auth)
		if res.status != http.StatusNotFound {
			t.Fatalf("%s send status = %d", name, res.status)
		}
	}
	if res := env.do(t, http.MethodGet, "/v1/conversations/"+id, nil, alice); res.status != http.StatusOK {
		t.Fatalf("owner get status = %d", res.status)
	}
}

func TestSendMessageGenerationFailure(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.gateway.err = fmt.Errorf("generate: %w", apperr.ErrUpstreamUnavailable)
	auth := env.guest(t)
	id := env.createConversation(t, auth)

	res := env.do(t, http.MethodPost, "/v1/conversations/"+id+"/messages", map[string]string{"content": "Why suffer?"}, auth)
	if res.status != http.StatusServiceUnavailable || res.body["code"] != "upstream_unavailable" || res.body["retryable"] != true {
		t.Fatalf("status = %d body = %+v", res.status, res.body)
	}
	user, ok := res.body["user_message"].(map[string]any)
	if !ok || user["content"] != "Why suffer?" {
		t.Fatalf("missing user_message: %+v", res.body)
	}

	env.gateway.err = fmt.Errorf("generate: %w", apperr.ErrUpstreamProtocol)
	res = env.do(t, http.MethodPost, "/v1/conversations/"+id+"/messages", map[string]string{"content": "Again?"}, auth)
	if res.status != http.StatusBadGateway || res.body["retryable"] != false {
		t.Fatalf("protocol failure = %d %+v", res.status, res.body)
	}

	list := env.do(t, http.MethodGet, "/v1/conversations/"+id+"/messages", nil, auth)
	if msgs, _ := list.body["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("want two stored user messages, got %+v", list.body)
	}

	blank := env.do(t, http.MethodPost, "/v1/conversations/"+id+"/messages", map[string]string{"content": "   "}, auth)
	if blank.status != http.StatusBadRequest {
		t.Fatalf("blank content status = %d", blank.status)
	}
}

func TestMessageRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessageRateLimit = config.RateLimit{Max: 2, Window: time.Minute}
	env := newTestEnv(t, cfg)

	// Unauthenticated attempts are charged too.
	for i := 0; i < 2; i++ {
		res := env.do(t, http.MethodPost, "/v1/conversations/x/messages", map[string]string{"content": "hi"}, nil)
		if res.status != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, res.status)
		}
	}
	res := env.do(t, http.MethodPost, "/v1/conversations/x/messages", map[string]string{"content": "hi"}, nil)
	if res.status != http.StatusTooManyRequests || res.body["retryable"] != true {
		t.Fatalf("third attempt = %d %+v", res.status, res.body)
	}
	if res.header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// Other route classes keep their own budget.
	if res := env.do(t, http.MethodPost, "/v1/auth/login", map[string]string{"email": "a@b.co", "password": "whatever1"}, nil); res.status != http.StatusUnauthorized {
		t.Fatalf("login status = %d", res.status)
	}
}

func TestGuestSessionRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.GuestSessionRateLimit = config.RateLimit{Max: 3, Window: time.Hour}
	env := newTestEnv(t, cfg)

	for i := 0; i < 3; i++ {
		if res := env.do(t, http.MethodPost, "/v1/guest/session", nil, nil); res.status != http.StatusCreated {
			t.Fatalf("session %d status = %d", i, res.status)
		}
	}
	res := env.do(t, http.MethodPost, "/v1/guest/session", nil, nil)
	if res.status != http.StatusTooManyRequests || res.body["code"] != "rate_limited" {
		t.Fatalf("fourth session = %d %+v", res.status, res.body)
	}
	if res.header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if n := env.guests.Len(); n != 3 {
		t.Fatalf("leases = %d, want 3", n)
	}
}

func TestConversationWriteRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ConversationRateLimit = config.RateLimit{Max: 2, Window: time.Minute}
	env := newTestEnv(t, cfg)
	auth := env.guest(t)

	id := env.createConversation(t, auth)
	if res := env.do(t, http.MethodPatch, "/v1/conversations/"+id, map[string]string{"title": "Renamed"}, auth); res.status != http.StatusOK {
		t.Fatalf("rename status = %d", res.status)
	}
	res := env.do(t, http.MethodDelete, "/v1/conversations/"+id, nil, auth)
	if res.status != http.StatusTooManyRequests {
		t.Fatalf("third write status = %d", res.status)
	}

	// Reads are not charged.
	if res := env.do(t, http.MethodGet, "/v1/conversations/"+id, nil, auth); res.status != http.StatusOK {
		t.Fatalf("get status = %d", res.status)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if res := env.do(t, http.MethodPost, "/v1/admin/ingest", nil, nil); res.status != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", res.status)
	}
	res := env.do(t, http.MethodPost, "/v1/admin/ingest", nil, map[string]string{"X-Admin-Token": "admin-secret"})
	if res.status != http.StatusOK || res.body["message"] != "mock ingestion" {
		t.Fatalf("ingest = %d %+v", res.status, res.body)
	}
	if res := env.do(t, http.MethodGet, "/v1/admin/stats", nil, map[string]string{"X-Admin-Token": "admin-secret"}); res.status != http.StatusOK {
		t.Fatalf("stats status = %d", res.status)
	}
	if res := env.do(t, http.MethodPost, "/v1/admin/cleanup", nil, nil); res.status != http.StatusUnauthorized {
		t.Fatalf("cleanup without token status = %d", res.status)
	}
	res = env.do(t, http.MethodPost, "/v1/admin/cleanup", nil, map[string]string{"X-Admin-Token": "admin-secret"})
	if res.status != http.StatusOK || res.body["message"] != "Knowledge base cleaned successfully" {
		t.Fatalf("cleanup = %d %+v", res.status, res.body)
	}

	cfg := testConfig()
	cfg.AdminToken = ""
	disabled := newTestEnv(t, cfg)
	if res := disabled.do(t, http.MethodPost, "/v1/admin/ingest", nil, map[string]string{"X-Admin-Token": ""}); res.status != http.StatusNotFound {
		t.Fatalf("disabled admin status = %d", res.status)
	}
}

func TestExpiredGuestSessionIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, testConfig())
	// A token for a session that was never opened behaves like an expired one.
	token, err := env.tokens.IssueGuestToken("never-opened")
	if err != nil {
		t.Fatalf("IssueGuestToken() error = %v", err)
	}
	auth := map[string]string{guestSessionHeader: token}

	res := env.do(t, http.MethodPost, "/v1/conversations", nil, auth)
	if res.status != http.StatusUnauthorized {
		t.Fatalf("create status = %d body = %+v", res.status, res.body)
	}
	list := env.do(t, http.MethodGet, "/v1/conversations", nil, auth)
	if items, _ := list.body["conversations"].([]any); list.status != http.StatusOK || len(items) != 0 {
		t.Fatalf("list = %d %+v", list.status, list.body)
	}
}
