package source

import (
	"context"
	"fmt"

	"github.com/cw07/omsflow/pkg/oms/model"
)

// SourceUnavailableError marks a connectivity loss at an order source. The
// adapter retries with backoff and never drops records.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// OrderSource produces a lazy, unbounded sequence of raw orders. Delivery is
// at-least-once: the read position is committed via Ack only after the
// record has been durably handed to the intake stage, so downstream must be
// idempotent on order ID.
type OrderSource interface {
	Name() string
	Kind() model.SourceKind

	// Run feeds raw orders into intake until ctx is done.
	Run(ctx context.Context, intake chan<- *model.RawOrder) error

	// Ack commits the read position for a delivered record.
	Ack(ctx context.Context, ref string) error

	Close() error
}

func push(ctx context.Context, intake chan<- *model.RawOrder, raw *model.RawOrder) bool {
	select {
	case intake <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}
