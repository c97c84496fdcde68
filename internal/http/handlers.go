package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/keymarket/internal/config"
	"github.com/fairyhunter13/keymarket/internal/fulfillment"
	httpopenapi "github.com/fairyhunter13/keymarket/internal/http/openapi"
	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/queue"
)

type App struct {
	Cfg        config.Config
	Engine     *fulfillment.Engine
	Dispatcher *queue.Dispatcher
	closing    atomic.Bool
	started    time.Time
}

func NewApp(cfg config.Config, e *fulfillment.Engine, d *queue.Dispatcher) *App {
	return &App{Cfg: cfg, Engine: e, Dispatcher: d, started: time.Now()}
}

// StartShutdown makes state-changing endpoints answer 503 so that
// callers retry against another replica.
func (a *App) StartShutdown() { a.closing.Store(true) }

type selectionRequest struct {
	ProductID int64 `json:"product_id"`
}

type selectionResponse struct {
	Status  string        `json:"status"`
	BuyerID int64         `json:"buyer_id"`
	Product model.Product `json:"product"`
}

type paymentResponse struct {
	Error     string `json:"error,omitempty"`
	Status    string `json:"status"`
	OrderID   int64  `json:"order_id,omitempty"`
	ProductID int64  `json:"product_id,omitempty"`
	KeySecret string `json:"key_secret,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON enforces a JSON content type and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		WriteJSONError(w, http.StatusUnsupportedMediaType, codeUnsupportedMedia, "expected application/json")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteJSONError(w, http.StatusBadRequest, codeInvalidJSON, err.Error())
		return false
	}
	return true
}

func buyerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("buyerID"), 10, 64)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, codeValidation, "buyer id must be an integer")
		return 0, false
	}
	return id, true
}

func (a *App) rejectWhileClosing(w http.ResponseWriter) bool {
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, codeShuttingDown, "")
		return true
	}
	return false
}

func (a *App) categoriesHandler(w http.ResponseWriter, r *http.Request) {
	cats, err := a.Engine.Categories(r.Context())
	if err != nil {
		storageFailure(w, r, "categories", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (a *App) productsHandler(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	views, err := a.Engine.Browse(r.Context(), category)
	if err != nil {
		storageFailure(w, r, "browse", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "products": views})
}

func (a *App) selectionHandler(w http.ResponseWriter, r *http.Request) {
	if a.rejectWhileClosing(w) {
		return
	}
	buyer, ok := buyerID(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID <= 0 {
		WriteJSONError(w, http.StatusBadRequest, codeValidation, "product_id is required")
		return
	}
	res, err := a.Engine.SelectProduct(r.Context(), buyer, req.ProductID)
	if err != nil {
		storageFailure(w, r, "select_product", err)
		return
	}
	if res.Status == fulfillment.SelectionProductNotFound {
		WriteJSONError(w, http.StatusNotFound, codeProductNotFound, "")
		return
	}
	writeJSON(w, http.StatusOK, selectionResponse{Status: "selected", BuyerID: buyer, Product: res.Product})
}

func (a *App) invoiceHandler(w http.ResponseWriter, r *http.Request) {
	if a.rejectWhileClosing(w) {
		return
	}
	buyer, ok := buyerID(w, r)
	if !ok {
		return
	}
	res, err := a.Engine.PurchaseIntent(r.Context(), buyer)
	if err != nil {
		storageFailure(w, r, "purchase_intent", err)
		return
	}
	switch res.Status {
	case fulfillment.InvoiceNoActiveSession:
		WriteJSONError(w, http.StatusConflict, codeNoActiveSession, "select a product first")
	case fulfillment.InvoiceProductNotFound:
		WriteJSONError(w, http.StatusNotFound, codeProductNotFound, "the selected product is no longer sold")
	default:
		writeJSON(w, http.StatusOK, res.Invoice)
	}
}

func (a *App) preCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	var q fulfillment.PreCheckoutQuery
	if !decodeJSON(w, r, &q) {
		return
	}
	if a.closing.Load() {
		writeJSON(w, http.StatusOK, fulfillment.PreCheckoutResult{Reason: codeShuttingDown})
		return
	}
	res, err := a.Engine.PreCheckout(r.Context(), q)
	if err != nil {
		storageFailure(w, r, "pre_checkout", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) confirmationHandler(w http.ResponseWriter, r *http.Request) {
	if a.rejectWhileClosing(w) {
		return
	}
	var p fulfillment.Payment
	if !decodeJSON(w, r, &p) {
		return
	}
	res, err := a.Engine.ConfirmPayment(r.Context(), p)
	if err != nil {
		storageFailure(w, r, "confirm_payment", err)
		return
	}
	body := paymentResponse{
		Status:    string(res.Status),
		OrderID:   res.OrderID,
		ProductID: res.ProductID,
		KeySecret: res.KeySecret,
		Reason:    res.Reason,
		Duplicate: res.Duplicate,
	}
	status := http.StatusOK
	switch res.Status {
	case fulfillment.PaymentOutOfStock:
		status = http.StatusConflict
		body.Error = string(res.Status)
	case fulfillment.PaymentIntegrityError:
		status = http.StatusUnprocessableEntity
		body.Error = string(res.Status)
	}
	writeJSON(w, status, body)
}

func (a *App) historyHandler(w http.ResponseWriter, r *http.Request) {
	buyer, ok := buyerID(w, r)
	if !ok {
		return
	}
	h, err := a.Engine.History(r.Context(), buyer)
	if err != nil {
		storageFailure(w, r, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buyer_id": buyer, "orders": h})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if a.closing.Load() {
		status = codeShuttingDown
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	m := map[string]any{
		"uptime_sec":    time.Since(a.started).Seconds(),
		"store_backend": a.Cfg.StoreBackend,
	}
	if a.Dispatcher != nil {
		st := a.Dispatcher.Stats()
		m["events_enqueued"] = st.Enqueued
		m["events_processed"] = st.Processed
		m["events_published"] = st.Published
		m["events_failed"] = st.Failed
		m["events_dropped"] = st.Dropped
		m["backlog_size"] = st.Backlog
		m["queue_depth"] = st.Depth
		m["worker_count"] = st.Workers
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>KeyMarket API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`
	_, _ = w.Write([]byte(html))
}

