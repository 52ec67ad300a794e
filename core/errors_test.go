package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
		want bool
	}{
		{"wrapped not found", fmt.Errorf("manifest for %q: %w", "svc", ErrManifestNotFound), IsNotFound, true},
		{"validation", fmt.Errorf("text required: %w", ErrValidation), IsValidation, true},
		{"state", fmt.Errorf("job: %w", ErrInvalidTransition), IsStateError, true},
		{"upstream", fmt.Errorf("gemini: %w", ErrUpstream), IsUpstream, true},
		{"retryable cache", fmt.Errorf("redis: %w", ErrCacheUnavailable), IsRetryable, true},
		{"not found is not validation", ErrJobNotFound, IsValidation, false},
		{"plain error", errors.New("boom"), IsNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.err); got != tt.want {
				t.Errorf("predicate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouterErrorUnwrap(t *testing.T) {
	err := &RouterError{
		Op:   "refresher.Approve",
		Kind: "manifest",
		ID:   "job-1",
		Err:  ErrInvalidTransition,
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("RouterError should unwrap to its sentinel")
	}
	if got := err.Error(); got != "refresher.Approve [job-1]: invalid job transition" {
		t.Errorf("Error() = %q", got)
	}
}
