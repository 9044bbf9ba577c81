package cron

import (
	"context"
	"testing"
	"time"
)

type memoryRedis struct {
	values map[string]string
}

func (m *memoryRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryRedis) DelIfValue(_ context.Context, key, value string) (bool, error) {
	if m.values[key] != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func TestRedisLockIsExclusiveAndOwnerScoped(t *testing.T) {
	store := &memoryRedis{values: map[string]string{}}
	first, err := NewRedisLock(store, "escrowpay:lock:cron", 0)
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	second, _ := NewRedisLock(store, "escrowpay:lock:cron", time.Minute)

	if ok, err := first.Acquire(context.Background()); err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := second.Acquire(context.Background()); ok {
		t.Fatal("second instance acquired a held lock")
	}
	if err := second.Release(context.Background()); err != nil {
		t.Fatalf("release without ownership: %v", err)
	}
	if _, held := store.values["escrowpay:lock:cron"]; !held {
		t.Fatal("non-owner release dropped the lock")
	}
	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if ok, _ := second.Acquire(context.Background()); !ok {
		t.Fatal("expected lock to be free after owner release")
	}
}
