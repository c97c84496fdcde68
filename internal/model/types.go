// Package model defines domain types used by the service.
package model

import "time"

// Product is a catalog entry. Price is in minor currency units.
type Product struct {
	ID          int64  `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Price       int64  `json:"price" yaml:"price"`
	Category    string `json:"category" yaml:"category"`
}

// ProductView is a Product together with its current unused key count.
type ProductView struct {
	Product
	Available int `json:"available"`
}

// Key is a single-use activation secret belonging to one product.
type Key struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Secret    string `json:"-"`
	Used      bool   `json:"used"`
}

// OrderStatus is the lifecycle state stored on an order row.
type OrderStatus string

const (
	OrderNew       OrderStatus = "new"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderFailed    OrderStatus = "failed"
)

// Order is an append-only ledger row. KeyID is nil for failed orders.
type Order struct {
	ID         int64       `json:"id"`
	BuyerID    int64       `json:"buyer_id"`
	ProductID  int64       `json:"product_id"`
	KeyID      *int64      `json:"key_id,omitempty"`
	Amount     int64       `json:"amount"`
	Status     OrderStatus `json:"status"`
	PaymentRef string      `json:"payment_ref,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// HistoryEntry is an order joined with its product name and key secret.
type HistoryEntry struct {
	OrderID     int64       `json:"order_id"`
	ProductID   int64       `json:"product_id"`
	ProductName string      `json:"product_name"`
	KeySecret   string      `json:"key_secret,omitempty"`
	Amount      int64       `json:"amount"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SessionStage tracks how far a buyer got before paying.
type SessionStage string

const (
	StageSelected        SessionStage = "selected"
	StageAwaitingPayment SessionStage = "awaiting_payment"
)

// Session is the ephemeral per-buyer purchase state.
type Session struct {
	BuyerID   int64        `json:"buyer_id"`
	ProductID int64        `json:"product_id"`
	Stage     SessionStage `json:"stage"`
	UpdatedAt time.Time    `json:"updated_at"`
}
