package proxy

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateRequestID()
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("expected uuid, got %q: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}

	ctx = ContextWithRequestID(ctx, "abc")
	if got := RequestIDFromContext(ctx); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}
}
