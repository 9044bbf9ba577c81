package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	setNXResult bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
	lastDeleted string
}

func (f *fakeStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return f.setNXResult, f.setNXError
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "escrowpay:idempotency:" + scope + ":" + id
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if len(keys) > 0 {
		f.lastDeleted = keys[0]
	}
	return nil
}

func TestCheckAndMarkProcessed_FirstTime(t *testing.T) {
	store := &fakeStore{setNXResult: true}
	manager, err := NewManager(store, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	already, err := manager.CheckAndMarkProcessed(context.Background(), "order-events", "evt-1")
	if err != nil {
		t.Fatalf("CheckAndMarkProcessed: %v", err)
	}
	if already {
		t.Fatalf("expected first call to return false")
	}
	if store.lastKey != "escrowpay:idempotency:evt:order-events:evt-1" {
		t.Fatalf("unexpected key: %q", store.lastKey)
	}
	if store.lastTTL != 24*time.Hour {
		t.Fatalf("unexpected ttl: %v", store.lastTTL)
	}
}

func TestCheckAndMarkProcessed_Duplicate(t *testing.T) {
	manager, _ := NewManager(&fakeStore{setNXResult: false}, time.Hour)
	already, err := manager.CheckAndMarkProcessed(context.Background(), "order-events", "evt-1")
	if err != nil {
		t.Fatalf("CheckAndMarkProcessed: %v", err)
	}
	if !already {
		t.Fatalf("expected duplicate to be reported")
	}
}

func TestCheckAndMarkProcessed_StoreError(t *testing.T) {
	manager, _ := NewManager(&fakeStore{setNXError: errors.New("redis down")}, time.Hour)
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "order-events", "evt-1"); err == nil {
		t.Fatalf("expected store error to propagate")
	}
}

func TestValidation(t *testing.T) {
	if _, err := NewManager(nil, time.Hour); err == nil {
		t.Fatalf("expected nil store to fail")
	}
	if _, err := NewManager(&fakeStore{}, -time.Second); err == nil {
		t.Fatalf("expected negative ttl to fail")
	}
	manager, _ := NewManager(&fakeStore{}, time.Hour)
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "", "evt"); err == nil {
		t.Fatalf("expected missing consumer to fail")
	}
	if _, err := manager.CheckAndMarkProcessed(context.Background(), "c", " "); err == nil {
		t.Fatalf("expected missing event id to fail")
	}
}

func TestDelete(t *testing.T) {
	store := &fakeStore{}
	manager, _ := NewManager(store, time.Hour)
	if err := manager.Delete(context.Background(), "order-events", "evt-9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.lastDeleted != "escrowpay:idempotency:evt:order-events:evt-9" {
		t.Fatalf("unexpected deleted key %q", store.lastDeleted)
	}
}
