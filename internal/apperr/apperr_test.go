package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindClassifiesWrappedSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("resolve: %w", ErrUnauthenticated), "unauthenticated"},
		{fmt.Errorf("conversation 7: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("content: %w", ErrValidation), "validation"},
		{ErrRateLimited, "rate_limited"},
		{fmt.Errorf("dial: %w", ErrUpstreamUnavailable), "upstream_unavailable"},
		{fmt.Errorf("decode: %w", ErrUpstreamProtocol), "upstream_protocol_error"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Fatalf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
