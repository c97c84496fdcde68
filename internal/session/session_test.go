package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/keymarket/internal/model"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func storeBackends(t *testing.T) map[string]Store {
	_, client := newMiniredis(t)
	return map[string]Store{
		"memory": NewMemory(0),
		"redis":  NewRedis(client, time.Hour),
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Get(ctx, 42); !errors.Is(err, model.ErrNoActiveSession) {
				t.Fatalf("Get on empty store err = %v", err)
			}
			if err := s.MarkAwaitingPayment(ctx, 42); !errors.Is(err, model.ErrNoActiveSession) {
				t.Fatalf("MarkAwaitingPayment without session err = %v", err)
			}
			if err := s.Select(ctx, 42, 1); err != nil {
				t.Fatalf("Select: %v", err)
			}
			got, err := s.Get(ctx, 42)
			if err != nil || got.ProductID != 1 || got.Stage != model.StageSelected {
				t.Fatalf("Get = %+v, %v", got, err)
			}
			if err := s.MarkAwaitingPayment(ctx, 42); err != nil {
				t.Fatalf("MarkAwaitingPayment: %v", err)
			}
			if got, _ := s.Get(ctx, 42); got.Stage != model.StageAwaitingPayment {
				t.Fatalf("stage = %q", got.Stage)
			}
			if err := s.Clear(ctx, 42); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if _, err := s.Get(ctx, 42); !errors.Is(err, model.ErrNoActiveSession) {
				t.Fatalf("Get after Clear err = %v", err)
			}
			if err := s.Clear(ctx, 42); err != nil {
				t.Fatalf("second Clear: %v", err)
			}
		})
	}
}

func TestStoreSelectionOverwrites(t *testing.T) {
	for name, s := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Select(ctx, 7, 1)
			_ = s.MarkAwaitingPayment(ctx, 7)
			_ = s.Select(ctx, 7, 2)
			got, err := s.Get(ctx, 7)
			if err != nil || got.ProductID != 2 || got.Stage != model.StageSelected {
				t.Fatalf("Get = %+v, %v", got, err)
			}
			_ = s.Select(ctx, 8, 3)
			if got, _ := s.Get(ctx, 7); got.ProductID != 2 {
				t.Fatalf("other buyer's selection leaked: %+v", got)
			}
		})
	}
}

func TestMemoryExpiresIdleSessions(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()
	_ = m.Select(ctx, 1, 5)
	now = now.Add(59 * time.Second)
	if _, err := m.Get(ctx, 1); err != nil {
		t.Fatalf("session expired early: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := m.Get(ctx, 1); !errors.Is(err, model.ErrNoActiveSession) {
		t.Fatalf("Get after ttl err = %v", err)
	}
}

func TestRedisSessionTTL(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedis(client, 10*time.Minute)
	ctx := context.Background()
	_ = s.Select(ctx, 9, 3)
	if ttl := mr.TTL(sessionKey(9)); ttl != 10*time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
	mr.FastForward(11 * time.Minute)
	if _, err := s.Get(ctx, 9); !errors.Is(err, model.ErrNoActiveSession) {
		t.Fatalf("Get after ttl err = %v", err)
	}
}

func TestRedisSessionUnavailable(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedis(client, 0)
	mr.Close()
	_, err := s.Get(context.Background(), 1)
	if err == nil || errors.Is(err, model.ErrNoActiveSession) {
		t.Fatalf("Get with redis down err = %v, want storage error", err)
	}
}

func registryBackends(t *testing.T) map[string]Registry {
	_, client := newMiniredis(t)
	return map[string]Registry{
		"memory": NewMemoryRegistry(0, 0),
		"redis":  NewRedisRegistry(client, 0, 0),
	}
}

func TestRegistryClaimCompleteRelease(t *testing.T) {
	for name, r := range registryBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := r.Claim(ctx, "tx1")
			if err != nil || !c.Claimed {
				t.Fatalf("first Claim = %+v, %v", c, err)
			}
			c, err = r.Claim(ctx, "tx1")
			if err != nil || c.Claimed || c.Prior != nil {
				t.Fatalf("in-flight Claim = %+v, %v", c, err)
			}
			want := Outcome{BuyerID: 42, Amount: 1990, Status: "delivered", OrderID: 3, ProductID: 1, KeySecret: "XXXX-1"}
			if err := r.Complete(ctx, "tx1", want); err != nil {
				t.Fatalf("Complete: %v", err)
			}
			c, err = r.Claim(ctx, "tx1")
			if err != nil || c.Claimed || c.Prior == nil || *c.Prior != want {
				t.Fatalf("completed Claim = %+v, %v", c, err)
			}
			// completed outcomes are never released
			_ = r.Release(ctx, "tx1")
			if c, _ := r.Claim(ctx, "tx1"); c.Claimed {
				t.Fatalf("Release dropped a completed outcome")
			}

			if c, _ := r.Claim(ctx, "tx2"); !c.Claimed {
				t.Fatalf("Claim(tx2) not claimed")
			}
			if err := r.Release(ctx, "tx2"); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if c, _ := r.Claim(ctx, "tx2"); !c.Claimed {
				t.Fatalf("Claim after Release not claimed")
			}
		})
	}
}

func TestRegistryConcurrentClaim(t *testing.T) {
	for name, r := range registryBackends(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				claimed int
			)
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := r.Claim(context.Background(), "race")
					if err != nil {
						t.Error(err)
						return
					}
					if c.Claimed {
						mu.Lock()
						claimed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if claimed != 1 {
				t.Fatalf("claimed %d times, want 1", claimed)
			}
		})
	}
}

func TestRedisRegistryClaimExpires(t *testing.T) {
	mr, client := newMiniredis(t)
	r := NewRedisRegistry(client, 24*time.Hour, 2*time.Minute)
	ctx := context.Background()

	if c, err := r.Claim(ctx, "tx1"); err != nil || !c.Claimed {
		t.Fatalf("Claim = %+v, %v", c, err)
	}
	if ttl := mr.TTL(paymentPrefix + "tx1"); ttl != 2*time.Minute {
		t.Fatalf("pending ttl = %v, want 2m", ttl)
	}
	// the claimant vanished without completing or releasing
	mr.FastForward(3 * time.Minute)
	if c, err := r.Claim(ctx, "tx1"); err != nil || !c.Claimed {
		t.Fatalf("Claim after pending expiry = %+v, %v", c, err)
	}
	if err := r.Complete(ctx, "tx1", Outcome{Status: "delivered", OrderID: 1}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ttl := mr.TTL(paymentPrefix + "tx1"); ttl != 24*time.Hour {
		t.Fatalf("completed ttl = %v, want 24h", ttl)
	}
	mr.FastForward(3 * time.Minute)
	if c, _ := r.Claim(ctx, "tx1"); c.Claimed || c.Prior == nil {
		t.Fatalf("completed outcome lost after claim ttl: %+v", c)
	}
}

func TestMemoryRegistryExpiresEntries(t *testing.T) {
	r := NewMemoryRegistry(time.Hour, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	if c, _ := r.Claim(ctx, "pending"); !c.Claimed {
		t.Fatal("Claim(pending) not claimed")
	}
	_, _ = r.Claim(ctx, "done")
	_ = r.Complete(ctx, "done", Outcome{Status: "delivered", OrderID: 1})

	now = now.Add(2 * time.Minute)
	if c, _ := r.Claim(ctx, "pending"); !c.Claimed {
		t.Fatal("stale pending claim still blocks the id")
	}
	if c, _ := r.Claim(ctx, "done"); c.Prior == nil {
		t.Fatal("completed outcome expired before retention")
	}
	now = now.Add(time.Hour)
	if c, _ := r.Claim(ctx, "done"); !c.Claimed {
		t.Fatal("completed outcome kept past retention")
	}
}

func TestMemoryRegistrySweepsExpired(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()
	for i := range sweepEvery - 1 {
		_, _ = r.Claim(ctx, fmt.Sprintf("old-%d", i))
	}
	now = now.Add(2 * time.Minute)
	_, _ = r.Claim(ctx, "fresh")
	if n := r.Len(); n != 1 {
		t.Fatalf("registry holds %d ids after sweep, want 1", n)
	}
}
