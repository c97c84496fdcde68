package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/fairyhunter13/keymarket/internal/config"
	"github.com/fairyhunter13/keymarket/internal/fulfillment"
	"github.com/fairyhunter13/keymarket/internal/messaging"
	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/obs"
	"github.com/fairyhunter13/keymarket/internal/queue"
	"github.com/fairyhunter13/keymarket/internal/session"
	"github.com/fairyhunter13/keymarket/internal/store"
)

type testApp struct {
	app     *App
	handler http.Handler
	product model.Product
}

func setupApp(t *testing.T, secrets ...string) *testApp {
	t.Helper()
	obs.InitLogger("error")
	cfg := config.Load()
	st := store.New()
	p, err := st.InsertProduct(context.Background(), model.Product{
		Name: "Windows 11 Pro", Description: "Retail licence", Price: 1990, Category: "windows",
	}, secrets)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	d := queue.NewDispatcher(cfg, queue.New(64), messaging.NewLog(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})
	e := fulfillment.New(fulfillment.Options{
		Inventory: st,
		Ledger:    st,
		Allocator: st,
		Sessions:  session.NewMemory(0),
		Notifier:  d,
	})
	app := NewApp(cfg, e, d)
	return &testApp{app: app, handler: NewRouter(app), product: p}
}

func (ta *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestOpenAPIServed(t *testing.T) {
	ta := setupApp(t)
	rec := ta.do(t, http.MethodGet, "/openapi.yaml", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "openapi:") {
		t.Fatalf("unexpected body")
	}
}

func TestDocsServed(t *testing.T) {
	ta := setupApp(t)
	rec := ta.do(t, http.MethodGet, "/docs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SwaggerUIBundle") {
		t.Fatalf("missing swagger ui")
	}
}

func TestHealthzOK(t *testing.T) {
	ta := setupApp(t)
	rec := ta.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestBrowseCatalog(t *testing.T) {
	ta := setupApp(t, "XXXX-1", "XXXX-2")
	rec := ta.do(t, http.MethodGet, "/categories", "")
	cats := decode[struct {
		Categories []string `json:"categories"`
	}](t, rec)
	if len(cats.Categories) != 1 || cats.Categories[0] != "windows" {
		t.Fatalf("categories = %v", cats.Categories)
	}
	rec = ta.do(t, http.MethodGet, "/categories/windows/products", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	list := decode[struct {
		Products []model.ProductView `json:"products"`
	}](t, rec)
	if len(list.Products) != 1 || list.Products[0].Available != 2 || list.Products[0].Price != 1990 {
		t.Fatalf("products = %+v", list.Products)
	}
	rec = ta.do(t, http.MethodGet, "/categories/office/products", "")
	empty := decode[struct {
		Products []model.ProductView `json:"products"`
	}](t, rec)
	if rec.Code != http.StatusOK || len(empty.Products) != 0 {
		t.Fatalf("unknown category: %d %+v", rec.Code, empty.Products)
	}
}

func TestPurchaseFlow(t *testing.T) {
	ta := setupApp(t, "XXXX-1")
	sel := `{"product_id":` + itoa(ta.product.ID) + `}`
	if rec := ta.do(t, http.MethodPost, "/buyers/42/selection", sel); rec.Code != http.StatusOK {
		t.Fatalf("selection status %d: %s", rec.Code, rec.Body.String())
	}
	rec := ta.do(t, http.MethodPost, "/buyers/42/invoice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("invoice status %d", rec.Code)
	}
	if inv := decode[fulfillment.Invoice](t, rec); inv.Price != 1990 || inv.Name != "Windows 11 Pro" {
		t.Fatalf("invoice = %+v", inv)
	}

	pre := `{"buyer_id":42,"product_id":` + itoa(ta.product.ID) + `,"amount":1990}`
	rec = ta.do(t, http.MethodPost, "/payments/pre-checkout", pre)
	if res := decode[fulfillment.PreCheckoutResult](t, rec); !res.OK {
		t.Fatalf("pre-checkout = %+v", res)
	}

	pay := `{"buyer_id":42,"product_id":` + itoa(ta.product.ID) + `,"amount":1990,"external_tx_id":"tx-1"}`
	rec = ta.do(t, http.MethodPost, "/payments/confirmations", pay)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirmation status %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[paymentResponse](t, rec)
	if res.Status != "delivered" || res.KeySecret != "XXXX-1" || res.Duplicate {
		t.Fatalf("confirmation = %+v", res)
	}

	rec = ta.do(t, http.MethodPost, "/payments/confirmations", pay)
	dup := decode[paymentResponse](t, rec)
	if rec.Code != http.StatusOK || !dup.Duplicate || dup.OrderID != res.OrderID {
		t.Fatalf("redelivery = %d %+v", rec.Code, dup)
	}

	pay2 := `{"buyer_id":43,"product_id":` + itoa(ta.product.ID) + `,"amount":1990,"external_tx_id":"tx-2"}`
	rec = ta.do(t, http.MethodPost, "/payments/confirmations", pay2)
	if rec.Code != http.StatusConflict {
		t.Fatalf("out of stock status %d", rec.Code)
	}
	if oos := decode[paymentResponse](t, rec); oos.Error != "out_of_stock" || oos.OrderID == 0 {
		t.Fatalf("out of stock body = %+v", oos)
	}

	rec = ta.do(t, http.MethodGet, "/buyers/42/orders", "")
	hist := decode[struct {
		Orders []model.HistoryEntry `json:"orders"`
	}](t, rec)
	if len(hist.Orders) != 1 || hist.Orders[0].KeySecret != "XXXX-1" {
		t.Fatalf("history = %+v", hist.Orders)
	}
}

func TestSelectionErrors(t *testing.T) {
	ta := setupApp(t)
	cases := []struct {
		name, path, body string
		ct               string
		want             int
	}{
		{"unknown product", "/buyers/1/selection", `{"product_id":999}`, "application/json", http.StatusNotFound},
		{"bad buyer", "/buyers/abc/selection", `{"product_id":1}`, "application/json", http.StatusBadRequest},
		{"missing product", "/buyers/1/selection", `{}`, "application/json", http.StatusBadRequest},
		{"unknown field", "/buyers/1/selection", `{"product_id":1,"qty":2}`, "application/json", http.StatusBadRequest},
		{"wrong content type", "/buyers/1/selection", `{"product_id":1}`, "text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", tc.ct)
			rec := httptest.NewRecorder()
			ta.handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestInvoiceWithoutSession(t *testing.T) {
	ta := setupApp(t, "XXXX-1")
	rec := ta.do(t, http.MethodPost, "/buyers/5/invoice", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
	if e := decode[jsonError](t, rec); e.Error != "no_active_session" || e.RequestID == "" {
		t.Fatalf("error = %+v", e)
	}
}

func TestConfirmationIntegrityError(t *testing.T) {
	ta := setupApp(t, "XXXX-1")
	pay := `{"buyer_id":42,"product_id":` + itoa(ta.product.ID) + `,"amount":100,"external_tx_id":"tx-9"}`
	rec := ta.do(t, http.MethodPost, "/payments/confirmations", pay)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rec.Code)
	}
	if res := decode[paymentResponse](t, rec); res.Error != "payment_integrity_error" || res.KeySecret != "" {
		t.Fatalf("body = %+v", res)
	}
}

func TestConfirmationReusedTxID(t *testing.T) {
	ta := setupApp(t, "XXXX-1", "XXXX-2")
	pay := `{"buyer_id":42,"product_id":` + itoa(ta.product.ID) + `,"amount":1990,"external_tx_id":"tx-1"}`
	if rec := ta.do(t, http.MethodPost, "/payments/confirmations", pay); rec.Code != http.StatusOK {
		t.Fatalf("first status %d", rec.Code)
	}
	other := `{"buyer_id":7,"product_id":` + itoa(ta.product.ID) + `,"amount":1990,"external_tx_id":"tx-1"}`
	rec := ta.do(t, http.MethodPost, "/payments/confirmations", other)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", rec.Code)
	}
	res := decode[paymentResponse](t, rec)
	if res.Error != "payment_integrity_error" || res.Reason != fulfillment.ReasonTxReused || res.KeySecret != "" {
		t.Fatalf("body = %+v", res)
	}
}

// brokenStore fails every catalog and inventory read.
type brokenStore struct {
	*store.Store
	err error
}

func (b brokenStore) Categories(context.Context) ([]string, error) { return nil, b.err }

func (b brokenStore) GetProduct(context.Context, int64) (model.Product, error) {
	return model.Product{}, b.err
}

func TestStorageFaultIsServiceUnavailable(t *testing.T) {
	obs.InitLogger("error")
	cfg := config.Load()
	st := brokenStore{Store: store.New(), err: errors.New("database is locked")}
	e := fulfillment.New(fulfillment.Options{
		Inventory: st,
		Ledger:    st,
		Sessions:  session.NewMemory(0),
	})
	app := NewApp(cfg, e, nil)
	ta := &testApp{app: app, handler: NewRouter(app)}

	cases := []struct{ method, path, body string }{
		{http.MethodGet, "/categories", ""},
		{http.MethodPost, "/payments/confirmations", `{"buyer_id":1,"product_id":1,"amount":1990,"external_tx_id":"tx-1"}`},
	}
	for _, tc := range cases {
		rec := ta.do(t, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s status %d", tc.method, tc.path, rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != "1" {
			t.Fatalf("%s %s Retry-After = %q", tc.method, tc.path, got)
		}
		if body := decode[jsonError](t, rec); body.Error != codeStorageUnavailable || strings.Contains(body.Details, "locked") {
			t.Fatalf("%s %s body = %+v", tc.method, tc.path, body)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	ta := setupApp(t)
	rec := ta.do(t, http.MethodGet, "/debug/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	m := decode[map[string]any](t, rec)
	for _, k := range []string{"uptime_sec", "events_published", "backlog_size", "worker_count"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing %s in %v", k, m)
		}
	}
}

func TestShutdownBehavior(t *testing.T) {
	ta := setupApp(t, "XXXX-1")
	ta.app.StartShutdown()
	rec := ta.do(t, http.MethodPost, "/payments/confirmations", `{"buyer_id":1,"product_id":1,"amount":1990,"external_tx_id":"tx"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	rec = ta.do(t, http.MethodGet, "/healthz", "")
	if h := decode[map[string]string](t, rec); h["status"] != "shutting_down" {
		t.Fatalf("health = %v", h)
	}
	// reads keep working while draining
	if rec := ta.do(t, http.MethodGet, "/categories", ""); rec.Code != http.StatusOK {
		t.Fatalf("categories status %d", rec.Code)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
