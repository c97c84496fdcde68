package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/store"
	"github.com/fairyhunter13/keymarket/internal/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return store.New() })
}

func TestMemoryExplicitProductID(t *testing.T) {
	s := store.New()
	ctx := context.Background()
	p, err := s.InsertProduct(ctx, model.Product{ID: 10, Name: "x", Price: 1, Category: "c"}, nil)
	if err != nil || p.ID != 10 {
		t.Fatalf("InsertProduct = %+v, %v", p, err)
	}
	if _, err := s.InsertProduct(ctx, model.Product{ID: 10, Name: "y", Price: 1, Category: "c"}, nil); err == nil {
		t.Fatalf("expected id collision error")
	}
	q, err := s.InsertProduct(ctx, model.Product{Name: "z", Price: 1, Category: "c"}, nil)
	if err != nil || q.ID != 11 {
		t.Fatalf("next assigned id = %+v, %v", q, err)
	}
}

func TestMemoryReserveHonoursCancelledContext(t *testing.T) {
	s := store.New()
	p, _ := s.InsertProduct(context.Background(), model.Product{Name: "x", Price: 1, Category: "c"}, []string{"K"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.ReserveKey(ctx, p.ID); err == nil {
		t.Fatalf("expected context error")
	}
	if n, _ := s.AvailableKeys(context.Background(), p.ID); n != 1 {
		t.Fatalf("key consumed by cancelled call")
	}
}

func TestMemoryConcurrentProductsAndSeeding(t *testing.T) {
	s := store.New()
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 4; i++ {
		p, _ := s.InsertProduct(ctx, model.Product{Name: "p", Price: 1, Category: "c"}, []string{
			string(rune('a'+i)) + "1", string(rune('a'+i)) + "2",
		})
		ids = append(ids, p.ID)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				_, _ = s.ReserveKey(ctx, id)
			}(id)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.InsertProduct(ctx, model.Product{Name: "late", Price: 1, Category: "c"}, []string{"late1"})
	}()
	wg.Wait()
	for _, id := range ids {
		if n, _ := s.AvailableKeys(ctx, id); n != 0 {
			t.Fatalf("product %d has %d keys left", id, n)
		}
	}
}
