package chaterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"generic", GenericError("boom"), false},
		{"precondition", Precondition("no user"), true},
		{"bad request", NetworkError(4, 400, "bad"), true},
		{"forbidden", NetworkError(17, 403, "nope"), true},
		{"timeout", NetworkError(0, 408, "slow"), false},
		{"rate limited", NetworkError(9, 429, "slow down"), false},
		{"server error", NetworkError(0, 500, "oops"), false},
		{"unavailable", NetworkError(0, 503, "down"), false},
		{"transport", WrapNetwork(CodeSocketFailure, "dial", errors.New("refused")), false},
		{"token expired", NetworkError(CodeTokenExpired, 401, "expired"), false},
		{"wrapped permanent", fmt.Errorf("send: %w", NetworkError(4, 400, "bad")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NetworkError(CodeTokenExpired, 401, "expired"))
	if !errors.Is(err, &Error{Kind: KindNetwork}) {
		t.Error("expected match on kind")
	}
	if !errors.Is(err, &Error{Kind: KindNetwork, Code: CodeTokenExpired}) {
		t.Error("expected match on kind and code")
	}
	if errors.Is(err, &Error{Kind: KindNetwork, Code: 99}) {
		t.Error("unexpected match on different code")
	}
	if errors.Is(err, ErrGeneric) {
		t.Error("unexpected match on different kind")
	}
	if !errors.Is(err, ErrNetwork) {
		t.Error("expected match on kind sentinel")
	}
}

func TestDistinctErrorsOfSameKindDoNotMatch(t *testing.T) {
	unhandled := GenericError("unhandled event")
	lost := GenericError("connection lost")
	if errors.Is(unhandled, lost) {
		t.Error("distinct generic errors matched")
	}
	if !errors.Is(fmt.Errorf("apply: %w", lost), lost) {
		t.Error("wrapped error does not match itself")
	}
	if !errors.Is(lost, ErrGeneric) {
		t.Error("generic error does not match its kind sentinel")
	}
	if errors.Is(NetworkError(4, 400, "bad"), NetworkError(4, 400, "other")) {
		t.Error("distinct network errors matched")
	}
	if !errors.Is(Precondition("text is empty"), ErrPrecondition) {
		t.Error("precondition does not match its kind sentinel")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("refused")
	err := WrapNetwork(CodeSocketFailure, "dial", cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
}
