package httpapi

import (
	"expvar"
	"net/http"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /categories", app.categoriesHandler)
	mux.HandleFunc("GET /categories/{category}/products", app.productsHandler)
	mux.HandleFunc("POST /buyers/{buyerID}/selection", app.selectionHandler)
	mux.HandleFunc("POST /buyers/{buyerID}/invoice", app.invoiceHandler)
	mux.HandleFunc("GET /buyers/{buyerID}/orders", app.historyHandler)
	mux.HandleFunc("POST /payments/pre-checkout", app.preCheckoutHandler)
	mux.HandleFunc("POST /payments/confirmations", app.confirmationHandler)
	mux.HandleFunc("GET /healthz", app.healthHandler)
	mux.HandleFunc("GET /debug/metrics", app.metricsHandler)
	mux.Handle("GET /debug/vars", expvar.Handler())
	mux.HandleFunc("GET /openapi.yaml", app.openapiHandler)
	mux.HandleFunc("GET /docs", app.docsHandler)
	return WithRequestID(WithLogging(mux))
}
