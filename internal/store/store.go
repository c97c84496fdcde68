package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/keymarket/internal/model"
)

type keySlot struct {
	id        int64
	productID int64
	secret    string
	used      atomic.Bool
}

type productState struct {
	p    model.Product
	keys []*keySlot
	// next is the index of the first slot that may still be unused.
	// Every slot below it is used.
	next atomic.Int64
}

// Store is the in-memory backend. Reservation flips a per-key atomic
// flag, so contention on one product never blocks another. mu only
// guards the shape of the maps and is write-locked by seeding alone.
type Store struct {
	mu       sync.RWMutex
	products map[int64]*productState
	keys     map[int64]*keySlot
	secrets  map[string]struct{}
	lastID   int64
	lastKey  int64

	orderMu   sync.Mutex
	orders    []model.Order
	lastOrder int64
}

var _ Backend = (*Store)(nil)

func New() *Store {
	return &Store{
		products: make(map[int64]*productState),
		keys:     make(map[int64]*keySlot),
		secrets:  make(map[string]struct{}),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Categories(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	out := []string{}
	for _, st := range s.products {
		if _, ok := seen[st.p.Category]; ok {
			continue
		}
		seen[st.p.Category] = struct{}{}
		out = append(out, st.p.Category)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListProducts(_ context.Context, category string) ([]model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Product{}
	for _, st := range s.products {
		if st.p.Category == category {
			out = append(out, st.p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.products[id]
	if !ok {
		return model.Product{}, model.ErrProductNotFound
	}
	return st.p, nil
}

func (s *Store) AvailableKeys(_ context.Context, productID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.products[productID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, k := range st.keys[st.next.Load():] {
		if !k.used.Load() {
			n++
		}
	}
	return n, nil
}

// ReserveKey claims the first unused key of the product with a
// compare-and-swap on its used flag.
func (s *Store) ReserveKey(ctx context.Context, productID int64) (model.Key, error) {
	if err := ctx.Err(); err != nil {
		return model.Key{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.products[productID]
	if !ok {
		return model.Key{}, model.ErrOutOfStock
	}
	for i := int(st.next.Load()); i < len(st.keys); i++ {
		k := st.keys[i]
		if !k.used.CompareAndSwap(false, true) {
			continue
		}
		advance(&st.next, int64(i+1))
		return model.Key{ID: k.id, ProductID: k.productID, Secret: k.secret, Used: true}, nil
	}
	return model.Key{}, model.ErrOutOfStock
}

// Allocate reserves a key and appends its order. Appending to the
// in-memory ledger cannot fail, so the pair is never split.
func (s *Store) Allocate(ctx context.Context, o model.Order) (model.Key, int64, error) {
	k, err := s.ReserveKey(ctx, o.ProductID)
	if err != nil {
		return model.Key{}, 0, err
	}
	o.KeyID = &k.ID
	id, err := s.Record(ctx, o)
	if err != nil {
		return model.Key{}, 0, err
	}
	return k, id, nil
}

func advance(next *atomic.Int64, to int64) {
	for {
		cur := next.Load()
		if cur >= to || next.CompareAndSwap(cur, to) {
			return
		}
	}
}

func (s *Store) ProductCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.products), nil
}

func (s *Store) InsertProduct(_ context.Context, p model.Product, secrets []string) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.lastID + 1
	}
	if _, ok := s.products[p.ID]; ok {
		return model.Product{}, fmt.Errorf("product %d already exists", p.ID)
	}
	seen := make(map[string]struct{}, len(secrets))
	for _, sec := range secrets {
		if _, dup := s.secrets[sec]; dup {
			return model.Product{}, fmt.Errorf("key secret for product %d is not unique", p.ID)
		}
		if _, dup := seen[sec]; dup {
			return model.Product{}, fmt.Errorf("key secret for product %d is not unique", p.ID)
		}
		seen[sec] = struct{}{}
	}
	st := &productState{p: p}
	for _, sec := range secrets {
		s.lastKey++
		k := &keySlot{id: s.lastKey, productID: p.ID, secret: sec}
		st.keys = append(st.keys, k)
		s.keys[k.id] = k
		s.secrets[sec] = struct{}{}
	}
	s.products[p.ID] = st
	if p.ID > s.lastID {
		s.lastID = p.ID
	}
	return p, nil
}

func (s *Store) Record(_ context.Context, o model.Order) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	s.lastOrder++
	o.ID = s.lastOrder
	if o.KeyID != nil {
		id := *o.KeyID
		o.KeyID = &id
	}
	s.orders = append(s.orders, o)
	return o.ID, nil
}

func (s *Store) History(_ context.Context, buyerID int64) ([]model.HistoryEntry, error) {
	s.orderMu.Lock()
	var mine []model.Order
	for _, o := range s.orders {
		if o.BuyerID == buyerID {
			mine = append(mine, o)
		}
	}
	s.orderMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.HistoryEntry, 0, len(mine))
	for _, o := range mine {
		e := model.HistoryEntry{
			OrderID:   o.ID,
			ProductID: o.ProductID,
			Amount:    o.Amount,
			Status:    o.Status,
			CreatedAt: o.CreatedAt,
		}
		if st, ok := s.products[o.ProductID]; ok {
			e.ProductName = st.p.Name
		}
		if o.KeyID != nil {
			if k, ok := s.keys[*o.KeyID]; ok {
				e.KeySecret = k.secret
			}
		}
		out = append(out, e)
	}
	SortNewestFirst(out)
	return out, nil
}

// SortNewestFirst orders history by timestamp then id, both descending.
func SortNewestFirst(h []model.HistoryEntry) {
	sort.SliceStable(h, func(i, j int) bool {
		if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
			return h[i].CreatedAt.After(h[j].CreatedAt)
		}
		return h[i].OrderID > h[j].OrderID
	})
}
