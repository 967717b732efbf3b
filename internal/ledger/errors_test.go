package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"transient", Transient("submit", errors.New("timeout")), ErrorTransient},
		{"wrapped transient", fmt.Errorf("step mint: %w", Transient("submit", nil)), ErrorTransient},
		{"rejected", Rejected("submit", "not owner"), ErrorRejected},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"other", errors.New("boom"), ErrorRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestTransientUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("submit", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if IsRejected(err) {
		t.Fatalf("transient error must not be rejected")
	}
}
