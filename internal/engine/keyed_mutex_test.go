package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(ctx, "a")
		if err != nil {
			t.Errorf("Lock failed: %v", err)
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("Expected second Lock on the same key to wait")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Expected second Lock to proceed after unlock")
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	ua, err := m.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock a failed: %v", err)
	}
	defer ua()

	done := make(chan struct{})
	go func() {
		ub, err := m.Lock(ctx, "b")
		if err == nil {
			ub()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected a different key not to wait")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock()
	if m.Len() != 0 {
		t.Errorf("Expected no slots left, got %d", m.Len())
	}
}
