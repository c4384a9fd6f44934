package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	EventTimeout = 10 * time.Second
)

// WithTimeout polls f until it returns an empty string or the timeout elapses.
func WithTimeout(t *testing.T, f func() string) {
	ctx, cancel := context.WithTimeout(context.Background(), EventTimeout)
	defer cancel()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			if lastErr != "" {
				t.Fatalf("did not reach expected state after %v: %s", EventTimeout, lastErr)
			}
		case <-time.After(10 * time.Millisecond):
			lastErr = f()
			if lastErr == "" {
				return
			}
		}
	}
}
