// Package fulfillment implements the per-buyer purchase flow: product
// selection, invoicing, payment confirmation and key delivery.
//
// Business outcomes are returned as result values. An error return
// always means a storage or infrastructure fault that the caller may
// retry; it is never used for "out of stock" or "bad payment".
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/obs"
	"github.com/fairyhunter13/keymarket/internal/session"
	"github.com/fairyhunter13/keymarket/internal/store"
)

const tracerName = "github.com/fairyhunter13/keymarket/internal/fulfillment"

type Options struct {
	Inventory store.Inventory
	Ledger    store.Ledger
	// Allocator, when set, reserves the key and records the order in one
	// storage transaction. Without it the two are separate writes.
	Allocator store.Allocator
	Sessions  session.Store
	Registry  session.Registry
	Notifier  Notifier
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
}

type Engine struct {
	inv      store.Inventory
	ledger   store.Ledger
	alloc    store.Allocator
	sessions session.Store
	registry session.Registry
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New builds an Engine. Inventory, Ledger and Sessions are required;
// the rest have in-process defaults.
func New(opts Options) *Engine {
	e := &Engine{
		inv:      opts.Inventory,
		ledger:   opts.Ledger,
		alloc:    opts.Allocator,
		sessions: opts.Sessions,
		registry: opts.Registry,
		notifier: opts.Notifier,
		logger:   obs.Or(opts.Logger),
		tracer:   opts.Tracer,
		now:      opts.Now,
	}
	if e.registry == nil {
		e.registry = session.NewMemoryRegistry(0, 0)
	}
	if e.notifier == nil {
		e.notifier = NopNotifier{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "fulfillment."+op, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Engine) Categories(ctx context.Context) ([]string, error) {
	ctx, span := e.start(ctx, "categories")
	defer span.End()
	cats, err := e.inv.Categories(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to list categories: %w", err))
	}
	return cats, nil
}

// Browse lists a category with the current number of unused keys per product.
func (e *Engine) Browse(ctx context.Context, category string) ([]model.ProductView, error) {
	ctx, span := e.start(ctx, "browse", attribute.String("category", category))
	defer span.End()
	ps, err := e.inv.ListProducts(ctx, category)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to list products: %w", err))
	}
	out := make([]model.ProductView, 0, len(ps))
	for _, p := range ps {
		n, err := e.inv.AvailableKeys(ctx, p.ID)
		if err != nil {
			return nil, fail(span, fmt.Errorf("failed to count keys for %d: %w", p.ID, err))
		}
		out = append(out, model.ProductView{Product: p, Available: n})
	}
	return out, nil
}

// SelectProduct records the buyer's choice, replacing any earlier one.
func (e *Engine) SelectProduct(ctx context.Context, buyerID, productID int64) (SelectionResult, error) {
	ctx, span := e.start(ctx, "select_product",
		attribute.Int64("buyer.id", buyerID), attribute.Int64("product.id", productID))
	defer span.End()

	p, err := e.inv.GetProduct(ctx, productID)
	if errors.Is(err, model.ErrProductNotFound) {
		span.SetAttributes(attribute.String("outcome", string(SelectionProductNotFound)))
		return SelectionResult{Status: SelectionProductNotFound}, nil
	}
	if err != nil {
		return SelectionResult{}, fail(span, fmt.Errorf("failed to load product %d: %w", productID, err))
	}
	if err := e.sessions.Select(ctx, buyerID, productID); err != nil {
		return SelectionResult{}, fail(span, fmt.Errorf("failed to store selection: %w", err))
	}
	e.logger.Debug("product_selected", "buyer_id", buyerID, "product_id", productID)
	span.SetAttributes(attribute.String("outcome", string(SelectionOK)))
	return SelectionResult{Status: SelectionOK, Product: p}, nil
}

// PurchaseIntent issues an invoice for the selected product.
func (e *Engine) PurchaseIntent(ctx context.Context, buyerID int64) (InvoiceResult, error) {
	ctx, span := e.start(ctx, "purchase_intent", attribute.Int64("buyer.id", buyerID))
	defer span.End()

	s, err := e.sessions.Get(ctx, buyerID)
	if errors.Is(err, model.ErrNoActiveSession) {
		span.SetAttributes(attribute.String("outcome", string(InvoiceNoActiveSession)))
		return InvoiceResult{Status: InvoiceNoActiveSession}, nil
	}
	if err != nil {
		return InvoiceResult{}, fail(span, fmt.Errorf("failed to load session: %w", err))
	}
	span.SetAttributes(attribute.Int64("product.id", s.ProductID))

	p, err := e.inv.GetProduct(ctx, s.ProductID)
	if errors.Is(err, model.ErrProductNotFound) {
		if err := e.sessions.Clear(ctx, buyerID); err != nil {
			return InvoiceResult{}, fail(span, fmt.Errorf("failed to clear session: %w", err))
		}
		e.logger.Warn("invoice_product_missing", "buyer_id", buyerID, "product_id", s.ProductID)
		span.SetAttributes(attribute.String("outcome", string(InvoiceProductNotFound)))
		return InvoiceResult{Status: InvoiceProductNotFound}, nil
	}
	if err != nil {
		return InvoiceResult{}, fail(span, fmt.Errorf("failed to load product %d: %w", s.ProductID, err))
	}

	err = e.sessions.MarkAwaitingPayment(ctx, buyerID)
	if errors.Is(err, model.ErrNoActiveSession) {
		span.SetAttributes(attribute.String("outcome", string(InvoiceNoActiveSession)))
		return InvoiceResult{Status: InvoiceNoActiveSession}, nil
	}
	if err != nil {
		return InvoiceResult{}, fail(span, fmt.Errorf("failed to update session: %w", err))
	}
	span.SetAttributes(attribute.String("outcome", string(InvoiceOK)))
	return InvoiceResult{
		Status: InvoiceOK,
		Invoice: Invoice{
			ProductID:   p.ID,
			Name:        p.Name,
			Description: p.Description,
			Price:       p.Price,
		},
	}, nil
}

// PreCheckout answers whether a payment would currently be accepted.
// It never reserves a key, so a positive answer can still end in
// PaymentOutOfStock.
func (e *Engine) PreCheckout(ctx context.Context, q PreCheckoutQuery) (PreCheckoutResult, error) {
	ctx, span := e.start(ctx, "pre_checkout",
		attribute.Int64("buyer.id", q.BuyerID), attribute.Int64("product.id", q.ProductID))
	defer span.End()

	res, err := e.preCheckout(ctx, q)
	if err != nil {
		return PreCheckoutResult{}, fail(span, err)
	}
	span.SetAttributes(attribute.Bool("ok", res.OK), attribute.String("reason", res.Reason))
	return res, nil
}

func (e *Engine) preCheckout(ctx context.Context, q PreCheckoutQuery) (PreCheckoutResult, error) {
	p, err := e.inv.GetProduct(ctx, q.ProductID)
	if errors.Is(err, model.ErrProductNotFound) {
		return PreCheckoutResult{Reason: ReasonProductNotFound}, nil
	}
	if err != nil {
		return PreCheckoutResult{}, fmt.Errorf("failed to load product %d: %w", q.ProductID, err)
	}
	if q.Amount != p.Price {
		return PreCheckoutResult{Reason: ReasonAmountMismatch}, nil
	}
	n, err := e.inv.AvailableKeys(ctx, q.ProductID)
	if err != nil {
		return PreCheckoutResult{}, fmt.Errorf("failed to count keys for %d: %w", q.ProductID, err)
	}
	if n == 0 {
		return PreCheckoutResult{Reason: ReasonOutOfStock}, nil
	}
	return PreCheckoutResult{OK: true}, nil
}

// ConfirmPayment turns a captured payment into a delivered key, a
// recorded failure or an integrity rejection. Each external transaction
// id is processed at most once; repeats replay the first outcome.
func (e *Engine) ConfirmPayment(ctx context.Context, p Payment) (PaymentResult, error) {
	ctx, span := e.start(ctx, "confirm_payment",
		attribute.Int64("buyer.id", p.BuyerID),
		attribute.Int64("product.id", p.ProductID),
		attribute.Int64("payment.amount", p.Amount),
		attribute.String("payment.external_tx_id", p.ExternalTxID))
	defer span.End()

	if p.ExternalTxID == "" {
		res := e.reject(p, ReasonMissingTxID, 0)
		e.finish(ctx, p, res)
		span.SetAttributes(attribute.String("outcome", string(res.Status)))
		return res, nil
	}

	claim, err := e.registry.Claim(ctx, p.ExternalTxID)
	if err != nil {
		return PaymentResult{}, fail(span, fmt.Errorf("failed to claim payment %q: %w", p.ExternalTxID, err))
	}
	if !claim.Claimed {
		span.SetAttributes(attribute.Bool("duplicate", true))
		if claim.Prior == nil {
			e.logger.Warn("payment_duplicate_in_flight", "buyer_id", p.BuyerID, "external_tx_id", p.ExternalTxID)
			span.SetAttributes(attribute.String("outcome", string(PaymentDuplicate)))
			return PaymentResult{Status: PaymentDuplicate, ProductID: p.ProductID, Duplicate: true}, nil
		}
		if !samePayment(*claim.Prior, p) {
			res := e.reject(p, ReasonTxReused, 0)
			e.logger.Warn("payment_tx_reused",
				"external_tx_id", p.ExternalTxID,
				"buyer_id", p.BuyerID, "prior_buyer_id", claim.Prior.BuyerID,
				"product_id", p.ProductID, "prior_product_id", claim.Prior.ProductID,
				"amount", p.Amount, "prior_amount", claim.Prior.Amount)
			e.finish(ctx, p, res)
			span.SetAttributes(attribute.String("outcome", string(res.Status)))
			return res, nil
		}
		res := fromOutcome(*claim.Prior)
		e.logger.Info("payment_duplicate", "buyer_id", p.BuyerID, "external_tx_id", p.ExternalTxID, "status", res.Status, "order_id", res.OrderID)
		span.SetAttributes(attribute.String("outcome", string(res.Status)))
		return res, nil
	}

	// The claim is ours now. Finish the payment even if the caller goes
	// away, or the id stays pending while a key may already be taken.
	ctx = context.WithoutCancel(ctx)

	res, err := e.settle(ctx, p)
	if err != nil {
		if rerr := e.registry.Release(ctx, p.ExternalTxID); rerr != nil {
			e.logger.Error("payment_claim_release_error", "external_tx_id", p.ExternalTxID, "error", rerr)
		}
		return PaymentResult{}, fail(span, err)
	}
	if err := e.registry.Complete(ctx, p.ExternalTxID, res.outcome(p)); err != nil {
		e.logger.Error("payment_outcome_record_error", "external_tx_id", p.ExternalTxID, "order_id", res.OrderID, "error", err)
	}
	e.finish(ctx, p, res)
	span.SetAttributes(attribute.String("outcome", string(res.Status)), attribute.Int64("order.id", res.OrderID))
	return res, nil
}

// settle validates the payment against the catalog and allocates a key.
func (e *Engine) settle(ctx context.Context, p Payment) (PaymentResult, error) {
	s, err := e.sessions.Get(ctx, p.BuyerID)
	switch {
	case errors.Is(err, model.ErrNoActiveSession):
		e.logger.Warn("payment_without_session", "buyer_id", p.BuyerID, "product_id", p.ProductID, "external_tx_id", p.ExternalTxID)
	case err != nil:
		e.logger.Warn("payment_session_unavailable", "buyer_id", p.BuyerID, "external_tx_id", p.ExternalTxID, "error", err)
	case s.ProductID != p.ProductID:
		e.logger.Warn("payment_session_mismatch", "buyer_id", p.BuyerID, "session_product_id", s.ProductID, "product_id", p.ProductID, "external_tx_id", p.ExternalTxID)
	}

	product, err := e.inv.GetProduct(ctx, p.ProductID)
	if errors.Is(err, model.ErrProductNotFound) {
		return e.reject(p, ReasonProductNotFound, 0), nil
	}
	if err != nil {
		return PaymentResult{}, fmt.Errorf("failed to load product %d: %w", p.ProductID, err)
	}
	if p.Amount != product.Price {
		return e.reject(p, ReasonAmountMismatch, product.Price), nil
	}

	order := model.Order{
		BuyerID:    p.BuyerID,
		ProductID:  p.ProductID,
		Amount:     p.Amount,
		Status:     model.OrderFulfilled,
		PaymentRef: p.ExternalTxID,
		CreatedAt:  e.now(),
	}
	key, orderID, err := e.allocate(ctx, order)
	if errors.Is(err, model.ErrOutOfStock) {
		return e.outOfStock(ctx, p)
	}
	if err != nil {
		return PaymentResult{}, err
	}
	e.logger.Info("order_fulfilled", "buyer_id", p.BuyerID, "product_id", p.ProductID, "order_id", orderID, "key_id", key.ID, "external_tx_id", p.ExternalTxID)
	return PaymentResult{Status: PaymentDelivered, OrderID: orderID, ProductID: p.ProductID, KeySecret: key.Secret}, nil
}

// allocate takes a key for the order and records it. Storage errors
// come back wrapped; model.ErrOutOfStock comes back as is.
func (e *Engine) allocate(ctx context.Context, o model.Order) (model.Key, int64, error) {
	if e.alloc != nil {
		k, id, err := e.alloc.Allocate(ctx, o)
		if err != nil && !errors.Is(err, model.ErrOutOfStock) {
			return model.Key{}, 0, fmt.Errorf("failed to allocate key for %d: %w", o.ProductID, err)
		}
		return k, id, err
	}

	key, err := e.inv.ReserveKey(ctx, o.ProductID)
	if errors.Is(err, model.ErrOutOfStock) {
		return model.Key{}, 0, err
	}
	if err != nil {
		return model.Key{}, 0, fmt.Errorf("failed to reserve key for %d: %w", o.ProductID, err)
	}
	o.KeyID = &key.ID
	orderID, err := e.ledger.Record(ctx, o)
	if err != nil {
		// the key is already flipped; nothing references it now
		e.logger.Error("order_record_error",
			"buyer_id", o.BuyerID, "product_id", o.ProductID, "key_id", key.ID,
			"external_tx_id", o.PaymentRef, "compensation_required", true, "error", err)
		return model.Key{}, 0, fmt.Errorf("failed to record order: %w", err)
	}
	return key, orderID, nil
}

func (e *Engine) outOfStock(ctx context.Context, p Payment) (PaymentResult, error) {
	orderID, err := e.ledger.Record(ctx, model.Order{
		BuyerID:    p.BuyerID,
		ProductID:  p.ProductID,
		Amount:     p.Amount,
		Status:     model.OrderFailed,
		PaymentRef: p.ExternalTxID,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("failed to record failed order: %w", err)
	}
	e.logger.Error("order_failed_out_of_stock",
		"buyer_id", p.BuyerID, "product_id", p.ProductID, "order_id", orderID,
		"amount", p.Amount, "external_tx_id", p.ExternalTxID, "compensation_required", true)
	return PaymentResult{Status: PaymentOutOfStock, OrderID: orderID, ProductID: p.ProductID, Reason: ReasonOutOfStock}, nil
}

func (e *Engine) reject(p Payment, reason string, price int64) PaymentResult {
	e.logger.Error("payment_integrity_error",
		"reason", reason,
		"buyer_id", p.BuyerID,
		"product_id", p.ProductID,
		"amount", p.Amount,
		"expected_price", price,
		"external_tx_id", p.ExternalTxID,
		"compensation_required", true)
	return PaymentResult{Status: PaymentIntegrityError, ProductID: p.ProductID, Reason: reason}
}

// finish emits the outcome event. The session is cleared only once the
// order is settled; a rejected payment leaves the buyer's selection.
func (e *Engine) finish(ctx context.Context, p Payment, res PaymentResult) {
	if res.Status == PaymentDelivered || res.Status == PaymentOutOfStock {
		if err := e.sessions.Clear(ctx, p.BuyerID); err != nil {
			e.logger.Warn("session_clear_error", "buyer_id", p.BuyerID, "error", err)
		}
	}
	ev := Event{
		ID:           uuid.NewString(),
		BuyerID:      p.BuyerID,
		ProductID:    p.ProductID,
		OrderID:      res.OrderID,
		Amount:       p.Amount,
		ExternalTxID: p.ExternalTxID,
		Reason:       res.Reason,
		OccurredAt:   e.now(),
	}
	switch res.Status {
	case PaymentDelivered:
		ev.Type = EventOrderFulfilled
	case PaymentOutOfStock:
		ev.Type = EventOrderFailed
		ev.CompensationRequired = true
	default:
		ev.Type = EventPaymentRejected
		ev.CompensationRequired = true
	}
	e.notifier.Notify(ctx, ev)
}

// History returns the buyer's orders, newest first.
func (e *Engine) History(ctx context.Context, buyerID int64) ([]model.HistoryEntry, error) {
	ctx, span := e.start(ctx, "history", attribute.Int64("buyer.id", buyerID))
	defer span.End()
	h, err := e.ledger.History(ctx, buyerID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to load history: %w", err))
	}
	span.SetAttributes(attribute.Int("orders", len(h)))
	return h, nil
}
