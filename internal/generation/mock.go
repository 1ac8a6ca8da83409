package generation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/ent0n29/stoicguide/internal/conversation"
)

// MockClient gives deterministic replies for local runs without the
// generation service.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (m *MockClient) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, unavailable("generate", err)
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = "silence"
	}
	answer := fmt.Sprintf("Consider what is within your control: %s", query)
	if n := len(req.ConversationContext); n > 1 {
		answer += fmt.Sprintf(" (with %d earlier turns in mind)", n-1)
	}
	page := 1
	return Response{
		Answer: answer,
		Sources: []conversation.Source{{
			Title:      "Enchiridion",
			ChunkID:    "mock-0",
			Page:       &page,
			Similarity: 1,
			Snippet:    "Some things are within our power, while others are not.",
		}},
		Usage: Usage{TokensPrompt: len(strings.Fields(query)), TokensCompletion: len(strings.Fields(answer)), Model: "mock"},
	}, nil
}

func (m *MockClient) GenerateTitle(ctx context.Context, userMessage, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable("generate title", err)
	}
	return "Stoic " + keyword(userMessage), nil
}

func (m *MockClient) Ingest(context.Context) (Forwarded, error) {
	return Forwarded{
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Body:        []byte(`{"message":"mock ingestion","processed_files":[],"skipped_files":[],"total_chunks":0}`),
	}, nil
}

func (m *MockClient) Cleanup(context.Context) (Forwarded, error) {
	return Forwarded{
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Body:        []byte(`{"message":"Knowledge base cleaned successfully","details":{"mode":"mock"}}`),
	}, nil
}

func (m *MockClient) Stats(context.Context) (Forwarded, error) {
	return Forwarded{
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Body:        []byte(`{"total_documents":0,"mode":"mock"}`),
	}, nil
}

func (m *MockClient) Health(context.Context) error { return nil }

// keyword picks the longest word of the message, title-cased.
func keyword(msg string) string {
	best := ""
	for _, w := range strings.FieldsFunc(msg, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len([]rune(w)) > len([]rune(best)) {
			best = w
		}
	}
	if best == "" {
		return "Reflection"
	}
	r := []rune(strings.ToLower(best))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
