// Package messaging publishes fulfillment events outside the process.
package messaging

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/keymarket/internal/fulfillment"
	"github.com/fairyhunter13/keymarket/internal/obs"
)

type Publisher interface {
	Publish(ctx context.Context, ev fulfillment.Event) error
	Close() error
}

// Log writes events to the structured log instead of a broker.
type Log struct {
	logger *slog.Logger
}

var _ Publisher = (*Log)(nil)

func NewLog(logger *slog.Logger) *Log { return &Log{logger: obs.Or(logger)} }

func (l *Log) Publish(ctx context.Context, ev fulfillment.Event) error {
	level := slog.LevelInfo
	if ev.CompensationRequired {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "event_published",
		"event_id", ev.ID,
		"sequence", ev.Sequence,
		"type", ev.Type,
		"buyer_id", ev.BuyerID,
		"product_id", ev.ProductID,
		"order_id", ev.OrderID,
		"amount", ev.Amount,
		"external_tx_id", ev.ExternalTxID,
		"reason", ev.Reason,
		"compensation_required", ev.CompensationRequired)
	return nil
}

func (l *Log) Close() error { return nil }
