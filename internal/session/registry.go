package session

import (
	"context"
	"sync"
	"time"
)

// Outcome is what the registry remembers about a processed payment so
// a repeated delivery can be answered without touching inventory.
// BuyerID, ProductID and Amount identify the payment that produced it;
// a later delivery with the same id must carry the same values.
type Outcome struct {
	BuyerID   int64  `json:"buyer_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	OrderID   int64  `json:"order_id,omitempty"`
	ProductID int64  `json:"product_id,omitempty"`
	KeySecret string `json:"key_secret,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Claim is the result of registering an external transaction id.
type Claim struct {
	// Claimed is true for the first caller with this id.
	Claimed bool
	// Prior is the recorded outcome when the id was already completed.
	// It is nil while the first caller is still in flight.
	Prior *Outcome
}

// Registry deduplicates payment confirmations by external transaction id.
type Registry interface {
	// Claim registers txID atomically; only one caller ever sees Claimed.
	Claim(ctx context.Context, txID string) (Claim, error)
	// Complete stores the final outcome of a claimed id.
	Complete(ctx context.Context, txID string, o Outcome) error
	// Release forgets a claimed id so that a retry can be processed.
	Release(ctx context.Context, txID string) error
}

// sweepEvery is how many claims pass between scans for expired entries.
const sweepEvery = 256

type registryEntry struct {
	done    bool
	outcome Outcome
	expires time.Time
}

func (e *registryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemoryRegistry keeps claims in process. Pending claims expire after
// claimTTL and completed outcomes after retention; zero disables either.
type MemoryRegistry struct {
	mu        sync.Mutex
	entries   map[string]*registryEntry
	retention time.Duration
	claimTTL  time.Duration
	claims    int
	now       func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(retention, claimTTL time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		entries:   make(map[string]*registryEntry),
		retention: retention,
		claimTTL:  claimTTL,
		now:       time.Now,
	}
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (r *MemoryRegistry) Claim(_ context.Context, txID string) (Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.claims++
	if r.claims%sweepEvery == 0 {
		r.sweep(now)
	}
	if e, ok := r.entries[txID]; ok && !e.expired(now) {
		if !e.done {
			return Claim{}, nil
		}
		o := e.outcome
		return Claim{Prior: &o}, nil
	}
	r.entries[txID] = &registryEntry{expires: deadline(now, r.claimTTL)}
	return Claim{Claimed: true}, nil
}

func (r *MemoryRegistry) sweep(now time.Time) {
	for id, e := range r.entries {
		if e.expired(now) {
			delete(r.entries, id)
		}
	}
}

// Len reports how many ids are held, expired ones included until swept.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *MemoryRegistry) Complete(_ context.Context, txID string, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[txID] = &registryEntry{done: true, outcome: o, expires: deadline(r.now(), r.retention)}
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[txID]; ok && !e.done {
		delete(r.entries, txID)
	}
	return nil
}
