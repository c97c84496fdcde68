// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/store"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t *testing.T) store.Backend

// Run executes every conformance test against backends from open.
func Run(t *testing.T, open Opener) {
	t.Run("Catalog", func(t *testing.T) { testCatalog(t, open(t)) })
	t.Run("DuplicateSecretRejected", func(t *testing.T) { testDuplicateSecret(t, open(t)) })
	for _, n := range []int{0, 1, 5, 100} {
		n := n
		t.Run(fmt.Sprintf("Exhaustion_%d", n), func(t *testing.T) { testExhaustion(t, open(t), n) })
	}
	t.Run("SequentialNoDoubleIssuance", func(t *testing.T) { testSequential(t, open(t)) })
	t.Run("ProductsIsolated", func(t *testing.T) { testIsolation(t, open(t)) })
	t.Run("LedgerHistory", func(t *testing.T) { testHistory(t, open(t)) })
	t.Run("AllocateRecordsOrder", func(t *testing.T) { testAllocate(t, open(t)) })
	t.Run("ConcurrentAllocate", func(t *testing.T) { testConcurrentAllocate(t, open(t)) })
}

func seed(t *testing.T, b store.Backend, p model.Product, secrets ...string) model.Product {
	t.Helper()
	got, err := b.InsertProduct(context.Background(), p, secrets)
	if err != nil {
		t.Fatalf("InsertProduct(%q): %v", p.Name, err)
	}
	return got
}

func secretsFor(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%04d", prefix, i)
	}
	return out
}

func testCatalog(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	if n, err := b.ProductCount(ctx); err != nil || n != 0 {
		t.Fatalf("ProductCount on empty store = %d, %v", n, err)
	}
	win := seed(t, b, model.Product{Name: "Windows 11 Pro", Description: "retail", Price: 1990, Category: "windows"}, "W-1", "W-2")
	seed(t, b, model.Product{Name: "Windows 10 Home", Price: 990, Category: "windows"})
	off := seed(t, b, model.Product{Name: "Office 2021", Price: 2490, Category: "office"}, "O-1")

	cats, err := b.Categories(ctx)
	if err != nil {
		t.Fatalf("Categories: %v", err)
	}
	if len(cats) != 2 || cats[0] != "office" || cats[1] != "windows" {
		t.Fatalf("Categories = %v", cats)
	}
	ps, err := b.ListProducts(ctx, "windows")
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(ps) != 2 || ps[0].ID != win.ID {
		t.Fatalf("ListProducts(windows) = %+v", ps)
	}
	again, _ := b.ListProducts(ctx, "windows")
	for i := range ps {
		if ps[i].ID != again[i].ID {
			t.Fatalf("ListProducts ordering not stable")
		}
	}
	if ps, _ := b.ListProducts(ctx, "games"); len(ps) != 0 {
		t.Fatalf("ListProducts(games) = %+v", ps)
	}
	got, err := b.GetProduct(ctx, off.ID)
	if err != nil || got.Name != "Office 2021" || got.Price != 2490 {
		t.Fatalf("GetProduct = %+v, %v", got, err)
	}
	if _, err := b.GetProduct(ctx, 999999); !errors.Is(err, model.ErrProductNotFound) {
		t.Fatalf("GetProduct(missing) err = %v", err)
	}
	if n, err := b.AvailableKeys(ctx, win.ID); err != nil || n != 2 {
		t.Fatalf("AvailableKeys = %d, %v", n, err)
	}
	if n, _ := b.ProductCount(ctx); n != 3 {
		t.Fatalf("ProductCount = %d", n)
	}
}

func testDuplicateSecret(t *testing.T, b store.Backend) {
	defer b.Close()
	seed(t, b, model.Product{Name: "A", Price: 1, Category: "c"}, "SAME")
	if _, err := b.InsertProduct(context.Background(), model.Product{Name: "B", Price: 1, Category: "c"}, []string{"SAME"}); err == nil {
		t.Fatalf("expected duplicate secret to be rejected")
	}
}

func testExhaustion(t *testing.T, b store.Backend, n int) {
	defer b.Close()
	ctx := context.Background()
	p := seed(t, b, model.Product{Name: "P", Price: 10, Category: "c"}, secretsFor("EX", n)...)

	callers := n + 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		got       = map[int64]string{}
		okCount   int
		oosCount  int
		otherErrs []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			k, err := b.ReserveKey(ctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
				if prev, dup := got[k.ID]; dup {
					otherErrs = append(otherErrs, fmt.Errorf("key %d issued twice (%s)", k.ID, prev))
				}
				got[k.ID] = k.Secret
			case errors.Is(err, model.ErrOutOfStock):
				oosCount++
			default:
				otherErrs = append(otherErrs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range otherErrs {
		t.Error(err)
	}
	if okCount != n {
		t.Fatalf("successful reservations = %d, want %d", okCount, n)
	}
	if oosCount != callers-n {
		t.Fatalf("out-of-stock results = %d, want %d", oosCount, callers-n)
	}
	secrets := map[string]struct{}{}
	for _, s := range got {
		secrets[s] = struct{}{}
	}
	if len(secrets) != n {
		t.Fatalf("distinct secrets = %d, want %d", len(secrets), n)
	}
	if left, err := b.AvailableKeys(ctx, p.ID); err != nil || left != 0 {
		t.Fatalf("AvailableKeys after exhaustion = %d, %v", left, err)
	}
}

func testSequential(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p := seed(t, b, model.Product{Name: "S", Price: 10, Category: "c"}, "S-1", "S-2", "S-3")
	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		k, err := b.ReserveKey(ctx, p.ID)
		if err != nil {
			t.Fatalf("ReserveKey #%d: %v", i, err)
		}
		if seen[k.ID] {
			t.Fatalf("key %d returned twice", k.ID)
		}
		if k.ProductID != p.ID || !k.Used || k.Secret == "" {
			t.Fatalf("unexpected key %+v", k)
		}
		seen[k.ID] = true
	}
	if _, err := b.ReserveKey(ctx, p.ID); !errors.Is(err, model.ErrOutOfStock) {
		t.Fatalf("fourth ReserveKey err = %v, want ErrOutOfStock", err)
	}
	if _, err := b.ReserveKey(ctx, p.ID+1000); !errors.Is(err, model.ErrOutOfStock) {
		t.Fatalf("ReserveKey(unknown) err = %v, want ErrOutOfStock", err)
	}
}

func testIsolation(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	a := seed(t, b, model.Product{Name: "A", Price: 1, Category: "c"}, "A-1")
	c := seed(t, b, model.Product{Name: "C", Price: 1, Category: "c"}, "C-1")
	ka, err := b.ReserveKey(ctx, a.ID)
	if err != nil || ka.Secret != "A-1" {
		t.Fatalf("ReserveKey(a) = %+v, %v", ka, err)
	}
	if _, err := b.ReserveKey(ctx, a.ID); !errors.Is(err, model.ErrOutOfStock) {
		t.Fatalf("a should be exhausted: %v", err)
	}
	kc, err := b.ReserveKey(ctx, c.ID)
	if err != nil || kc.Secret != "C-1" {
		t.Fatalf("ReserveKey(c) = %+v, %v", kc, err)
	}
}

func testHistory(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p := seed(t, b, model.Product{Name: "Windows 11 Pro", Price: 1990, Category: "windows"}, "XXXX-1")
	k, err := b.ReserveKey(ctx, p.ID)
	if err != nil {
		t.Fatalf("ReserveKey: %v", err)
	}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id1, err := b.Record(ctx, model.Order{BuyerID: 42, ProductID: p.ID, KeyID: &k.ID, Amount: 1990, Status: model.OrderFulfilled, PaymentRef: "tx1", CreatedAt: base})
	if err != nil {
		t.Fatalf("Record fulfilled: %v", err)
	}
	id2, err := b.Record(ctx, model.Order{BuyerID: 42, ProductID: p.ID, Amount: 1990, Status: model.OrderFailed, PaymentRef: "tx2", CreatedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("order ids collide: %d", id1)
	}
	if _, err := b.Record(ctx, model.Order{BuyerID: 7, ProductID: p.ID, Amount: 1990, Status: model.OrderFailed, CreatedAt: base}); err != nil {
		t.Fatalf("Record other buyer: %v", err)
	}

	h, err := b.History(ctx, 42)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 2 {
		t.Fatalf("History len = %d, want 2", len(h))
	}
	if h[0].OrderID != id2 || h[0].Status != model.OrderFailed || h[0].KeySecret != "" {
		t.Fatalf("newest entry = %+v", h[0])
	}
	if h[1].OrderID != id1 || h[1].KeySecret != "XXXX-1" || h[1].ProductName != "Windows 11 Pro" || h[1].Amount != 1990 {
		t.Fatalf("oldest entry = %+v", h[1])
	}
	if !h[1].CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt = %v, want %v", h[1].CreatedAt, base)
	}
	if h, _ := b.History(ctx, 1234); len(h) != 0 {
		t.Fatalf("History(unknown buyer) = %+v", h)
	}
}

func testAllocate(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	p := seed(t, b, model.Product{Name: "Office 2021", Price: 2490, Category: "office"}, "O-1", "O-2")
	order := model.Order{BuyerID: 42, ProductID: p.ID, Amount: 2490, Status: model.OrderFulfilled, CreatedAt: time.Now().UTC()}

	seen := map[string]bool{}
	for i := range 2 {
		order.PaymentRef = fmt.Sprintf("tx%d", i)
		k, id, err := b.Allocate(ctx, order)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if id == 0 || k.ProductID != p.ID || seen[k.Secret] {
			t.Fatalf("Allocate #%d = %+v, %d", i, k, id)
		}
		seen[k.Secret] = true
	}
	order.PaymentRef = "tx-oos"
	if _, _, err := b.Allocate(ctx, order); !errors.Is(err, model.ErrOutOfStock) {
		t.Fatalf("Allocate on exhausted product err = %v, want ErrOutOfStock", err)
	}

	h, err := b.History(ctx, 42)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 2 {
		t.Fatalf("History len = %d, want 2 (no order for the out-of-stock attempt)", len(h))
	}
	for _, e := range h {
		if e.Status != model.OrderFulfilled || !seen[e.KeySecret] {
			t.Fatalf("history entry = %+v", e)
		}
	}
}

func testConcurrentAllocate(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	const keys, buyers = 5, 20
	p := seed(t, b, model.Product{Name: "Windows 11 Pro", Price: 1990, Category: "windows"}, secretsFor("W", keys)...)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		got      = map[string]int64{}
		oos      int
		failures []error
	)
	for i := range buyers {
		wg.Add(1)
		go func(buyer int64) {
			defer wg.Done()
			k, _, err := b.Allocate(ctx, model.Order{BuyerID: buyer, ProductID: p.ID, Amount: 1990, Status: model.OrderFulfilled, PaymentRef: fmt.Sprintf("tx-%d", buyer), CreatedAt: time.Now().UTC()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, model.ErrOutOfStock):
				oos++
			case err != nil:
				failures = append(failures, err)
			default:
				if prev, dup := got[k.Secret]; dup {
					failures = append(failures, fmt.Errorf("secret %s issued to %d and %d", k.Secret, prev, buyer))
				}
				got[k.Secret] = buyer
			}
		}(int64(i + 1))
	}
	wg.Wait()
	if len(failures) > 0 {
		t.Fatalf("allocation failures: %v", failures)
	}
	if len(got) != keys || oos != buyers-keys {
		t.Fatalf("issued %d keys and %d out-of-stock, want %d and %d", len(got), oos, keys, buyers-keys)
	}
	if n, _ := b.AvailableKeys(ctx, p.ID); n != 0 {
		t.Fatalf("AvailableKeys = %d, want 0", n)
	}
}
