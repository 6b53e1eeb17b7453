//go:build integration
// +build integration

package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

func setupTestStore(t *testing.T) *Store {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Skipping test: failed to connect to Redis: %v", err)
	}
	client.FlushDB(context.Background())

	store, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store
}

func TestStore_IncrementIfBelow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC().Truncate(24 * time.Hour)

	for i := 1; i <= 3; i++ {
		allowed, current, err := store.IncrementIfBelow(ctx, "user1", credpool.CounterAIRequests, day, 3)
		if err != nil {
			t.Fatalf("IncrementIfBelow failed: %v", err)
		}
		if !allowed || current != i {
			t.Errorf("Increment %d: allowed=%v current=%d", i, allowed, current)
		}
	}

	allowed, current, err := store.IncrementIfBelow(ctx, "user1", credpool.CounterAIRequests, day, 3)
	if err != nil {
		t.Fatalf("IncrementIfBelow failed: %v", err)
	}
	if allowed || current != 3 {
		t.Errorf("Expected denial at 3, got allowed=%v current=%d", allowed, current)
	}
}

func TestStore_IncrementIfBelow_Concurrent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC().Truncate(24 * time.Hour)

	const workers = 100
	const limit = 42
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _, err := store.IncrementIfBelow(ctx, "user1", credpool.CounterAIRequests, day, limit)
			if err == nil && allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("Expected exactly %d grants, got %d", limit, granted)
	}
}

func TestStore_DecrementCounter_FloorsAtZero(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Now().UTC().Truncate(24 * time.Hour)

	current, err := store.DecrementCounter(ctx, "user1", credpool.CounterAIRequests, day)
	if err != nil {
		t.Fatalf("DecrementCounter failed: %v", err)
	}
	if current != 0 {
		t.Errorf("Expected floor at 0, got %d", current)
	}

	store.IncrementIfBelow(ctx, "user1", credpool.CounterAIRequests, day, 10)
	store.IncrementIfBelow(ctx, "user1", credpool.CounterAIRequests, day, 10)
	current, _ = store.DecrementCounter(ctx, "user1", credpool.CounterAIRequests, day)
	if current != 1 {
		t.Errorf("Expected 1 after decrement, got %d", current)
	}
}

func TestStore_Windows(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := store.PeekWindow(ctx, "user:u1:user_per_second")
	if err != nil {
		t.Fatalf("PeekWindow failed: %v", err)
	}
	if rec != nil {
		t.Error("Expected nil record for unseen key")
	}

	rec, err = store.IncrWindow(ctx, "user:u1:user_per_second", time.Second, now)
	if err != nil {
		t.Fatalf("IncrWindow failed: %v", err)
	}
	if rec.Count != 1 {
		t.Errorf("Expected count 1, got %d", rec.Count)
	}

	rec, _ = store.IncrWindow(ctx, "user:u1:user_per_second", time.Second, now)
	if rec.Count != 2 {
		t.Errorf("Expected count 2, got %d", rec.Count)
	}

	// Redis expires the key; a fresh increment after the window restarts it.
	time.Sleep(1100 * time.Millisecond)
	rec, _ = store.IncrWindow(ctx, "user:u1:user_per_second", time.Second, time.Now().UTC())
	if rec.Count != 1 {
		t.Errorf("Expected window restart with count 1, got %d", rec.Count)
	}

	if err := store.DeleteWindows(ctx, "user:u1:user_per_second"); err != nil {
		t.Fatalf("DeleteWindows failed: %v", err)
	}
	rec, _ = store.PeekWindow(ctx, "user:u1:user_per_second")
	if rec != nil {
		t.Error("Expected deleted window")
	}
}
