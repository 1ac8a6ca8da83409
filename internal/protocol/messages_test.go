package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ent0n29/stoicguide/internal/conversation"
)

func TestParseClientMessageSend(t *testing.T) {
	raw := []byte(`{"type":"send_message","request_id":"r1","content":"What is in my power?"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	send, ok := msg.(SendMessage)
	if !ok {
		t.Fatalf("message type = %T, want SendMessage", msg)
	}
	if send.RequestID != "r1" || send.Content != "What is in my power?" {
		t.Fatalf("unexpected send_message: %+v", send)
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping","request_id":"p"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("message type = %T, want Ping", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBlankContent(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"send_message","content":"   "}`)); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestErrorEventCarriesUserMessage(t *testing.T) {
	ev := ErrorEvent{
		Type:        TypeErrorEvent,
		Code:        "upstream_unavailable",
		Error:       "generation service unavailable",
		Retryable:   true,
		UserMessage: &conversation.Message{ID: "7", Role: conversation.RoleUser, Content: "hi"},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"user_message":{`) || !strings.Contains(string(raw), `"retryable":true`) {
		t.Fatalf("unexpected frame: %s", raw)
	}
	if typ, ok := TypeOf(ev); !ok || typ != TypeErrorEvent {
		t.Fatalf("TypeOf() = %q, %v", typ, ok)
	}
}

func BenchmarkParseClientMessageSend(b *testing.B) {
	raw := []byte(`{"type":"send_message","request_id":"r7","content":"How should I meet an insult?"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(SendMessage); !ok {
			b.Fatalf("message type = %T, want SendMessage", msg)
		}
	}
}
