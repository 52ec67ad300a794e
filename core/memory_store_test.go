package core

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreMissingKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	value, err := store.Get(ctx, "absent")
	if err != nil {
		t.Fatalf("Get() returned unexpected error: %v", err)
	}
	if value != "" {
		t.Errorf("Get() for missing key = %q, want empty string", value)
	}
}

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value string
		ttl   time.Duration
	}{
		{"no ttl", "k1", "v1", 0},
		{"with ttl", "k2", "v2", time.Hour},
		{"overwrite", "k1", "v1b", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Set(ctx, tt.key, tt.value, tt.ttl); err != nil {
				t.Fatalf("Set() failed: %v", err)
			}
			got, err := store.Get(ctx, tt.key)
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if got != tt.value {
				t.Errorf("Get() = %q, want %q", got, tt.value)
			}
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "ephemeral", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	value, err := store.Get(ctx, "ephemeral")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if value != "" {
		t.Errorf("expired key should read as missing, got %q", value)
	}

	exists, err := store.Exists(ctx, "ephemeral")
	if err != nil {
		t.Fatalf("Exists() failed: %v", err)
	}
	if exists {
		t.Error("Exists() = true for expired key")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	exists, err := store.Exists(ctx, "k")
	if err != nil {
		t.Fatalf("Exists() failed: %v", err)
	}
	if exists {
		t.Error("key still exists after Delete()")
	}
}
