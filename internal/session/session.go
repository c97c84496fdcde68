// Package session holds per-buyer purchase sessions and the registry of
// processed payment transactions.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/keymarket/internal/model"
)

// Store keeps at most one session per buyer. A new selection replaces
// the previous one.
type Store interface {
	Select(ctx context.Context, buyerID, productID int64) error
	// Get returns model.ErrNoActiveSession when the buyer has none.
	Get(ctx context.Context, buyerID int64) (model.Session, error)
	MarkAwaitingPayment(ctx context.Context, buyerID int64) error
	Clear(ctx context.Context, buyerID int64) error
}

// Memory is the process-local Store. Sessions do not survive restarts.
type Memory struct {
	mu       sync.Mutex
	sessions map[int64]model.Session
	ttl      time.Duration
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Store that forgets sessions idle for longer than
// ttl. A zero ttl keeps them until cleared.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		sessions: make(map[int64]model.Session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Select(_ context.Context, buyerID, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[buyerID] = model.Session{
		BuyerID:   buyerID,
		ProductID: productID,
		Stage:     model.StageSelected,
		UpdatedAt: m.now(),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, buyerID int64) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(buyerID)
	if !ok {
		return model.Session{}, model.ErrNoActiveSession
	}
	return s, nil
}

func (m *Memory) MarkAwaitingPayment(_ context.Context, buyerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(buyerID)
	if !ok {
		return model.ErrNoActiveSession
	}
	s.Stage = model.StageAwaitingPayment
	s.UpdatedAt = m.now()
	m.sessions[buyerID] = s
	return nil
}

func (m *Memory) Clear(_ context.Context, buyerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, buyerID)
	return nil
}

// live must be called with mu held. Expired sessions are dropped.
func (m *Memory) live(buyerID int64) (model.Session, bool) {
	s, ok := m.sessions[buyerID]
	if !ok {
		return model.Session{}, false
	}
	if m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl {
		delete(m.sessions, buyerID)
		return model.Session{}, false
	}
	return s, true
}
