package oms

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cw07/omsflow/pkg/logging"
	"github.com/cw07/omsflow/pkg/oms/deadletter"
	"github.com/cw07/omsflow/pkg/oms/fieldmap"
	"github.com/cw07/omsflow/pkg/oms/gateway"
	"github.com/cw07/omsflow/pkg/oms/journal"
	"github.com/cw07/omsflow/pkg/oms/metrics"
	"github.com/cw07/omsflow/pkg/oms/model"
	"github.com/cw07/omsflow/pkg/oms/monitor"
	"github.com/cw07/omsflow/pkg/oms/source"
	"github.com/cw07/omsflow/pkg/oms/validation"
)

const defaultIntakeBuffer = 1024

type Config struct {
	Account      string
	IntakeBuffer int
}

// OMS is the order lifecycle engine: it ingests raw orders from the source
// adapters, validates them, translates them to broker fields, submits them
// through the execution gateway, and hands open orders to the adaptive
// monitor. All state transitions are journaled before the source read
// position is committed.
type OMS struct {
	cfg       *Config
	gw        gateway.ExecutionGateway
	validator *validation.Engine
	mapper    *fieldmap.Mapper
	jrnl      journal.Journal
	sink      deadletter.Sink
	mon       *monitor.Manager
	policy    *monitor.PollingPolicy

	sources map[string]source.OrderSource
	orders  sync.Map
	// inflight guards against duplicate concurrent submission per order
	inflight sync.Map
	intake   chan *model.RawOrder

	// runCtx governs sources and monitor tasks; procCtx governs the intake
	// worker so in-flight submissions are not aborted by shutdown.
	runCtx     context.Context
	cancel     context.CancelFunc
	procCtx    context.Context
	procCancel context.CancelFunc

	wg      sync.WaitGroup
	srcWg   sync.WaitGroup
	started bool
}

func NewOMS(
	cfg *Config,
	gw gateway.ExecutionGateway,
	validator *validation.Engine,
	mapper *fieldmap.Mapper,
	jrnl journal.Journal,
	sink deadletter.Sink,
	policy *monitor.PollingPolicy,
	sources ...source.OrderSource,
) *OMS {
	if cfg.IntakeBuffer == 0 {
		cfg.IntakeBuffer = defaultIntakeBuffer
	}

	s := &OMS{
		cfg:       cfg,
		gw:        gw,
		validator: validator,
		mapper:    mapper,
		jrnl:      jrnl,
		sink:      sink,
		policy:    policy,
		sources:   make(map[string]source.OrderSource, len(sources)),
		intake:    make(chan *model.RawOrder, cfg.IntakeBuffer),
	}
	for _, src := range sources {
		s.sources[src.Name()] = src
	}

	s.mon = monitor.NewManager(gw, policy, sink)
	s.mon.OnTransition(s.journalOrder)

	return s
}

// Monitor exposes the monitor manager, mainly for inspection in tests.
func (s *OMS) Monitor() *monitor.Manager { return s.mon }

func (s *OMS) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.procCtx, s.procCancel = context.WithCancel(context.Background())

	if err := s.gw.Start(ctx); err != nil {
		return err
	}

	if err := s.Recover(ctx); err != nil {
		return err
	}

	for _, src := range s.sources {
		s.srcWg.Add(1)
		go func(src source.OrderSource) {
			defer s.srcWg.Done()
			if err := src.Run(s.runCtx, s.intake); err != nil && !errors.Is(err, context.Canceled) {
				zap.S().Errorw("source stopped", "source", src.Name(), "err", err)
			}
		}(src)
	}

	s.wg.Add(1)
	go s.processLoop()

	return nil
}

// Stop drains in-flight work before terminating monitors so no submission is
// left in an unknown state: sources stop first, then the intake worker
// finishes the backlog under a still-live processing context, so an order
// mid-submission reaches an acknowledged or explicitly-failed state instead
// of being dead-lettered by the shutdown itself. Only then do monitors and
// the gateway shut down.
func (s *OMS) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	s.srcWg.Wait()
	close(s.intake)
	s.wg.Wait()
	s.procCancel()
	s.mon.Stop()
	s.gw.Stop()
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			zap.S().Warnw("source close failed", "source", src.Name(), "err", err)
		}
	}
}

// Recover replays the journal to rebuild the order index and resumes
// monitoring of previously open orders without resubmitting them.
func (s *OMS) Recover(ctx context.Context) error {
	err := s.jrnl.Replay(ctx, func(e *journal.Entry) error {
		s.orders.Store(e.OrderID, e.Order())
		return nil
	})
	if err != nil {
		return err
	}

	for _, o := range s.Orders() {
		metrics.TrackStatusChange("", o.CurrentStatus())
	}
	for _, o := range s.openOrders() {
		s.mon.Watch(s.runCtx, o)
	}
	return nil
}

func (s *OMS) processLoop() {
	defer s.wg.Done()
	for raw := range s.intake {
		s.processRaw(s.procCtx, raw)
	}
}

func (s *OMS) processRaw(ctx context.Context, raw *model.RawOrder) {
	order, err := model.ParseRawOrder(raw)
	if err != nil {
		// malformed record: dead-letter, never discard
		zap.S().Warnw("unparseable source record", "source", raw.Source, "ref", raw.Ref, "err", err)
		metrics.CountError(deadletter.ReasonParseFailure)
		stub := &model.Order{
			OrderID:   model.DeriveOrderID(raw.Source, raw.Ref),
			Source:    raw.Source,
			SourceRef: raw.Ref,
			Status:    model.OrderStatusDeadLetter,
			LastError: err.Error(),
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if pushErr := s.sink.Push(ctx, stub, deadletter.NewReason(deadletter.ReasonParseFailure, err)); pushErr != nil {
			zap.S().Errorw("dead letter push failed", "ref", raw.Ref, "err", pushErr)
		}
		s.ackSource(ctx, raw)
		return
	}

	// idempotent ingestion: redelivery of the same record is a no-op
	if !s.addOrderToIndex(order) {
		s.ackSource(ctx, raw)
		return
	}

	ctx = logging.WithOrderID(ctx, order.OrderID)
	start := time.Now()
	defer func() {
		metrics.ObserveProcessing(order.Type, order.CurrentStatus(), time.Since(start))
	}()
	metrics.TrackStatusChange("", order.CurrentStatus())

	s.journalOrder(ctx, order)
	// commit the read position only after the order is durably recorded
	s.ackSource(ctx, raw)

	if err := s.validator.Validate(order); err != nil {
		order.RecordError(err)
		s.transition(ctx, order, model.OrderStatusRejected)
		return
	}
	s.transition(ctx, order, model.OrderStatusValidated)

	fields, err := s.mapper.Map(order)
	if err != nil {
		// refdata gap after validation passed: internal-consistency fault
		order.RecordError(err)
		s.transition(ctx, order, model.OrderStatusDeadLetter)
		s.pushDeadLetter(ctx, order, deadletter.NewReason(deadletter.ReasonMappingFault, err))
		return
	}

	ack, err := s.submitWithGuard(ctx, order, fields)
	if err != nil {
		order.RecordError(err)
		var se *gateway.SubmissionError
		if errors.As(err, &se) && !se.Retriable {
			s.transition(ctx, order, model.OrderStatusRejected)
			return
		}
		s.transition(ctx, order, model.OrderStatusDeadLetter)
		s.pushDeadLetter(ctx, order, deadletter.NewReason(deadletter.ReasonRetryExhaustion, err))
		return
	}

	order.SetBrokerOrderID(ack.BrokerOrderID)
	s.transition(ctx, order, model.OrderStatusSubmitted)
	s.mon.Watch(s.runCtx, order)
}

// submitWithGuard enforces at-most-once submission: one in-flight submit per
// order, and after an ambiguous failure the broker is queried before any
// resend.
func (s *OMS) submitWithGuard(ctx context.Context, order *model.Order, fields fieldmap.FieldSet) (*gateway.BrokerAck, error) {
	if _, loaded := s.inflight.LoadOrStore(order.OrderID, struct{}{}); loaded {
		return nil, errDuplicateSubmission
	}
	defer s.inflight.Delete(order.OrderID)

	var lastErr error
	for attempt := 0; attempt <= s.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if st, qerr := s.gw.QueryStatus(ctx, order.OrderID); qerr == nil && !st.Unknown {
				// the previous send reached the broker after all
				return &gateway.BrokerAck{BrokerOrderID: st.BrokerOrderID}, nil
			}
			select {
			case <-time.After(s.policy.RetryDelay):
			case <-ctx.Done():
				return nil, &gateway.SubmissionError{Reason: "cancelled", Retriable: true, Err: ctx.Err()}
			}
		}

		ack, err := s.gw.Submit(ctx, order, fields)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		order.RecordError(err)
		metrics.CountError("submit")

		var se *gateway.SubmissionError
		if !errors.As(err, &se) || !se.Retriable {
			return nil, err
		}
		if attempt < s.policy.MaxRetries {
			order.IncRetries()
		}
	}
	return nil, lastErr
}

// CancelOrder requests cancellation of an open order. Cancelling an order
// already in a terminal state succeeds as a no-op.
func (s *OMS) CancelOrder(ctx context.Context, orderID string) error {
	order, err := s.GetOrderByOrderID(orderID)
	if err != nil {
		return err
	}
	status := order.CurrentStatus()
	if status.IsTerminal() {
		return nil
	}
	if !status.IsOpen() {
		return errInvalidOrderStatus
	}

	if err := s.mon.RequestCancel(orderID); err != nil {
		// not monitored (e.g. fresh restart edge): cancel directly
		return s.gw.Cancel(ctx, order.BrokerRef())
	}
	return nil
}

// BulkCancel cancels every open order matching the predicate.
func (s *OMS) BulkCancel(ctx context.Context, pred func(*model.Order) bool) error {
	var errs []error
	for _, o := range s.openOrders() {
		if pred != nil && !pred(o) {
			continue
		}
		if err := s.CancelOrder(ctx, o.OrderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReplaceOrder amends price and/or quantity of an open order at the broker.
// The order's own fields change only after the broker accepts.
func (s *OMS) ReplaceOrder(ctx context.Context, orderID string, newPrice, newQty *decimal.Decimal) error {
	order, err := s.GetOrderByOrderID(orderID)
	if err != nil {
		return err
	}
	if !order.CanReplace() {
		return errInvalidOrderStatus
	}

	if err := s.gw.Replace(ctx, order.BrokerRef(), newPrice, newQty); err != nil {
		order.RecordError(err)
		s.journalOrder(ctx, order)
		return err
	}
	order.ApplyReplace(newPrice, newQty)
	s.journalOrder(ctx, order)
	return nil
}

func (s *OMS) transition(ctx context.Context, order *model.Order, to model.OrderStatus) {
	from, ok := order.TryTransition(to, monitor.CanTransition)
	if !ok {
		logging.For(ctx).Errorw("state transition refused", "from", from, "to", to)
		return
	}
	if from != to {
		metrics.TrackStatusChange(from, to)
	}
	s.journalOrder(ctx, order)
}

func (s *OMS) journalOrder(ctx context.Context, order *model.Order) {
	if err := s.jrnl.Append(ctx, journal.NewEntry(order, time.Now())); err != nil {
		zap.S().Errorw("journal append failed", "order_id", order.OrderID, "err", err)
	}
}

func (s *OMS) pushDeadLetter(ctx context.Context, order *model.Order, reason deadletter.Reason) {
	metrics.CountError(reason.Kind)
	if err := s.sink.Push(ctx, order.Snapshot(), reason); err != nil {
		logging.For(ctx).Errorw("dead letter push failed", "err", err)
	}
	if err := s.sink.Emit(ctx, deadletter.Alert{
		Severity: "critical",
		Subject:  "order dead-lettered: " + order.OrderID,
		Detail:   reason.Kind + ": " + order.LastFailure(),
	}); err != nil {
		logging.For(ctx).Errorw("alert emit failed", "err", err)
	}
}

func (s *OMS) ackSource(ctx context.Context, raw *model.RawOrder) {
	for _, src := range s.sources {
		if src.Kind() != raw.Source {
			continue
		}
		if err := src.Ack(ctx, raw.Ref); err != nil {
			zap.S().Warnw("source ack failed", "source", src.Name(), "ref", raw.Ref, "err", err)
		}
		return
	}
}
