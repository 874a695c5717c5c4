package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cw07/omsflow/pkg/oms/deadletter"
	"github.com/cw07/omsflow/pkg/oms/repo"
)

// Worker drains the dead-letter and alert subjects: dead letters are
// archived to SQL for audit and replay, alerts are surfaced in the log.
type Worker struct {
	deadLetter repo.IDeadLetter
}

func NewWorker(r repo.IRepo) *Worker {
	return &Worker{
		deadLetter: r.DeadLetter(),
	}
}

func (w *Worker) StartConsumer(ctx context.Context, js nats.JetStreamContext, subject, durable string) error {
	cons, err := js.PullSubscribe(subject, durable)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := cons.Fetch(10, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			zap.S().Warnw("fetch dead letters failed", "err", err)
			continue
		}

		for _, msg := range msgs {
			var rec deadletter.Record
			if err := json.Unmarshal(msg.Data, &rec); err != nil {
				zap.S().Warnw("bad dead letter payload", "err", err)
				_ = msg.Ack()
				continue
			}
			if err := w.archive(ctx, &rec); err != nil {
				zap.S().Errorw("archive dead letter failed", "order_id", rec.OrderID, "err", err)
				continue
			}
			_ = msg.Ack()
		}
	}
}

// StartAlertConsumer logs operator alerts at the severity they carry.
func (w *Worker) StartAlertConsumer(ctx context.Context, js nats.JetStreamContext, subject, durable string) error {
	cons, err := js.PullSubscribe(subject, durable)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := cons.Fetch(10, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			zap.S().Warnw("fetch alerts failed", "err", err)
			continue
		}

		for _, msg := range msgs {
			var alert deadletter.Alert
			if err := json.Unmarshal(msg.Data, &alert); err != nil {
				zap.S().Warnw("bad alert payload", "err", err)
				_ = msg.Ack()
				continue
			}
			log := zap.S().With("subject", alert.Subject, "detail", alert.Detail, "at", alert.At)
			if alert.Severity == "critical" {
				log.Error("operator alert")
			} else {
				log.Warn("operator alert")
			}
			_ = msg.Ack()
		}
	}
}

func (w *Worker) archive(ctx context.Context, rec *deadletter.Record) error {
	_, err := w.deadLetter.Create(ctx, &repo.DeadLetterRecord{
		OrderID:       rec.OrderID,
		Source:        rec.Source,
		SourceRef:     rec.SourceRef,
		Account:       rec.Account,
		Symbol:        rec.Symbol,
		SecurityType:  rec.SecurityType,
		Side:          rec.Side,
		OrdType:       rec.OrdType,
		TimeInForce:   rec.TimeInForce,
		Quantity:      rec.Quantity,
		Price:         rec.Price,
		BrokerOrderID: rec.BrokerOrderID,
		RetryCount:    rec.RetryCount,
		LastError:     rec.LastError,
		ReasonKind:    rec.Reason.Kind,
		ReasonDetail:  rec.Reason.Detail,
		PushedAt:      rec.PushedAt,
	})
	return err
}
