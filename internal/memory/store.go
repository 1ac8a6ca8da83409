package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ent0n29/stoicguide/internal/apperr"
	"github.com/ent0n29/stoicguide/internal/conversation"
	"github.com/ent0n29/stoicguide/internal/identity"
)

// Store is a durable backend for registered users: it holds accounts as
// well as their conversations.
type Store interface {
	conversation.Store
	identity.UserStore
	Ping(ctx context.Context) error
}

func parseOwner(owner string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(owner), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid durable owner %q", owner)
	}
	return id, nil
}

func parseConversationID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: conversation id %q is not numeric", apperr.ErrNotFound, raw)
	}
	return id, nil
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

// encodeSources returns nil for an empty list so the column stays NULL.
func encodeSources(sources []conversation.Source) ([]byte, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	return b, nil
}

func decodeSources(raw []byte) ([]conversation.Source, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []conversation.Source
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	return out, nil
}
