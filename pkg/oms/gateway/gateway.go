package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/fieldmap"
	"github.com/cw07/omsflow/pkg/oms/model"
)

// BrokerAck is the broker's acknowledgment of a submission.
type BrokerAck struct {
	BrokerOrderID string
	TransactTime  time.Time
}

// BrokerStatus is the broker's view of an order, as returned by a status
// query or pushed in an execution report.
type BrokerStatus struct {
	BrokerOrderID string
	Status        model.OrderStatus
	FilledQty     decimal.Decimal
	LastPrice     decimal.Decimal
	Text          string
	// Unknown is set when the broker has no record of the order.
	Unknown bool
}

// SubmissionError wraps a failed submit. Only retriable errors (network,
// timeout) drive the retry path; terminal ones are broker-side rejects.
type SubmissionError struct {
	Reason    string
	Retriable bool
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("submission failed (%s)", e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError wraps a failed status query.
type PollError struct {
	Reason    string
	Retriable bool
	Err       error
}

func (e *PollError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("poll failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("poll failed (%s)", e.Reason)
}

func (e *PollError) Unwrap() error { return e.Err }

// ExecutionGateway is the capability set the engine needs from a broker.
// Concrete variants (FIX initiator, alternative platforms) implement it; the
// engine never depends on a concrete broker.
//
// Cancel and BulkCancel are idempotent: cancelling an order the broker
// already considers terminal succeeds as a no-op.
type ExecutionGateway interface {
	Start(ctx context.Context) error
	Stop()

	Submit(ctx context.Context, order *model.Order, fields fieldmap.FieldSet) (*BrokerAck, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	BulkCancel(ctx context.Context, brokerOrderIDs []string) error
	Replace(ctx context.Context, brokerOrderID string, newPrice, newQty *decimal.Decimal) error
	QueryStatus(ctx context.Context, brokerOrderID string) (*BrokerStatus, error)
}
