package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewTransientError(errors.New("x"), 503), true},
		{"wrapped transient", fmt.Errorf("call: %w", NewTransientError(errors.New("x"), 429)), true},
		{"conn reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"timeout message", errors.New("read tcp: i/o timeout"), true},
		{"permanent", errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	base := errors.New("base")
	te := NewTransientError(base, 500)
	if !errors.Is(te, base) {
		t.Error("expected errors.Is to see the wrapped error")
	}
	if te.Error() != "base" {
		t.Errorf("unexpected message %q", te.Error())
	}
}
