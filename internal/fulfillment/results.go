package fulfillment

import (
	"github.com/fairyhunter13/keymarket/internal/model"
	"github.com/fairyhunter13/keymarket/internal/session"
)

type SelectionStatus string

const (
	SelectionOK              SelectionStatus = "ok"
	SelectionProductNotFound SelectionStatus = "product_not_found"
)

type SelectionResult struct {
	Status  SelectionStatus
	Product model.Product
}

type InvoiceStatus string

const (
	InvoiceOK              InvoiceStatus = "ok"
	InvoiceNoActiveSession InvoiceStatus = "no_active_session"
	InvoiceProductNotFound InvoiceStatus = "product_not_found"
)

// Invoice is what the adapter shows the buyer before payment.
type Invoice struct {
	ProductID   int64  `json:"product_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

type InvoiceResult struct {
	Status  InvoiceStatus
	Invoice Invoice
}

// PreCheckoutQuery is the gateway's last question before capturing funds.
type PreCheckoutQuery struct {
	BuyerID   int64 `json:"buyer_id"`
	ProductID int64 `json:"product_id"`
	Amount    int64 `json:"amount"`
}

// Pre-checkout rejection reasons.
const (
	ReasonProductNotFound = "product_not_found"
	ReasonAmountMismatch  = "amount_mismatch"
	ReasonOutOfStock      = "out_of_stock"
	ReasonMissingTxID     = "missing_transaction_id"
	// ReasonTxReused rejects a transaction id seen before with a
	// different buyer, product or amount.
	ReasonTxReused = "transaction_reused"
)

type PreCheckoutResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Payment is a confirmed capture reported by the payment gateway.
type Payment struct {
	BuyerID      int64  `json:"buyer_id"`
	ProductID    int64  `json:"product_id"`
	Amount       int64  `json:"amount"`
	ExternalTxID string `json:"external_tx_id"`
}

type PaymentStatus string

const (
	PaymentDelivered      PaymentStatus = "delivered"
	PaymentOutOfStock     PaymentStatus = "out_of_stock"
	PaymentIntegrityError PaymentStatus = "payment_integrity_error"
	// PaymentDuplicate is returned while the first delivery of the same
	// transaction is still being processed.
	PaymentDuplicate PaymentStatus = "duplicate"
)

type PaymentResult struct {
	Status    PaymentStatus
	OrderID   int64
	ProductID int64
	KeySecret string
	Reason    string
	// Duplicate marks a result replayed from an earlier delivery.
	Duplicate bool
}

func (r PaymentResult) outcome(p Payment) session.Outcome {
	return session.Outcome{
		BuyerID:   p.BuyerID,
		Amount:    p.Amount,
		Status:    string(r.Status),
		OrderID:   r.OrderID,
		ProductID: p.ProductID,
		KeySecret: r.KeySecret,
		Reason:    r.Reason,
	}
}

func fromOutcome(o session.Outcome) PaymentResult {
	return PaymentResult{
		Status:    PaymentStatus(o.Status),
		OrderID:   o.OrderID,
		ProductID: o.ProductID,
		KeySecret: o.KeySecret,
		Reason:    o.Reason,
		Duplicate: true,
	}
}

// samePayment reports whether p repeats the payment recorded in o.
func samePayment(o session.Outcome, p Payment) bool {
	return o.BuyerID == p.BuyerID && o.ProductID == p.ProductID && o.Amount == p.Amount
}
