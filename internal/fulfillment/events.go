package fulfillment

import (
	"context"
	"time"
)

const (
	EventOrderFulfilled  = "order.fulfilled"
	EventOrderFailed     = "order.failed"
	EventPaymentRejected = "payment.rejected"
)

// Event describes a payment outcome for downstream consumers.
type Event struct {
	ID           string `json:"id"`
	Sequence     uint64 `json:"sequence,omitempty"`
	Type         string `json:"type"`
	BuyerID      int64  `json:"buyer_id"`
	ProductID    int64  `json:"product_id"`
	OrderID      int64  `json:"order_id,omitempty"`
	Amount       int64  `json:"amount"`
	ExternalTxID string `json:"external_tx_id"`
	Reason       string `json:"reason,omitempty"`
	// CompensationRequired is set when funds were captured but no key
	// was delivered.
	CompensationRequired bool      `json:"compensation_required,omitempty"`
	OccurredAt           time.Time `json:"occurred_at"`
}

// Notifier receives events after an outcome is final. It must not block
// and its failures never change the outcome.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
