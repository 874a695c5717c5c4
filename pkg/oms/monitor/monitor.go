package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cw07/omsflow/pkg/oms/deadletter"
	"github.com/cw07/omsflow/pkg/oms/gateway"
	"github.com/cw07/omsflow/pkg/oms/metrics"
	"github.com/cw07/omsflow/pkg/oms/model"
)

var errNotMonitored = errors.New("order not monitored")

// Manager owns one monitor task per open order. Each task is the single
// writer for its order: it polls the gateway on the policy interval, applies
// the resulting event to the state machine, and escalates to the dead-letter
// sink when retries are exhausted.
type Manager struct {
	gw     gateway.ExecutionGateway
	policy *PollingPolicy
	sink   deadletter.Sink

	onTransition func(ctx context.Context, o *model.Order)

	tasks    sync.Map
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

type task struct {
	order    *model.Order
	cancelCh chan struct{}
}

func NewManager(gw gateway.ExecutionGateway, policy *PollingPolicy, sink deadletter.Sink) *Manager {
	return &Manager{
		gw:     gw,
		policy: policy,
		sink:   sink,
		stopCh: make(chan struct{}),
	}
}

// OnTransition registers the hook invoked after every order mutation the
// manager makes; the engine uses it to journal.
func (m *Manager) OnTransition(fn func(ctx context.Context, o *model.Order)) {
	m.onTransition = fn
}

// Watch starts a monitor task for an open order. Watching an order twice, or
// a non-open order, is a no-op.
func (m *Manager) Watch(ctx context.Context, o *model.Order) {
	if !o.CurrentStatus().IsOpen() {
		return
	}
	t := &task{order: o, cancelCh: make(chan struct{}, 1)}
	if _, loaded := m.tasks.LoadOrStore(o.OrderID, t); loaded {
		return
	}
	m.wg.Add(1)
	go m.run(ctx, t)
}

// RequestCancel wakes the order's monitor task to issue a gateway cancel.
// The task keeps polling until the broker confirms the terminal state.
func (m *Manager) RequestCancel(orderID string) error {
	v, ok := m.tasks.Load(orderID)
	if !ok {
		return errNotMonitored
	}
	t := v.(*task)
	select {
	case t.cancelCh <- struct{}{}:
	default:
	}
	return nil
}

// Watching reports whether the order currently has a monitor task.
func (m *Manager) Watching(orderID string) bool {
	_, ok := m.tasks.Load(orderID)
	return ok
}

// Stop ends all monitor tasks and waits for them to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, t *task) {
	defer m.wg.Done()
	defer m.tasks.Delete(t.order.OrderID)

	interval := m.policy.Interval(t.order.Type)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			done, next := m.poll(ctx, t)
			if done {
				return
			}
			timer.Reset(next)
		case <-t.cancelCh:
			m.issueCancel(ctx, t)
			// poll promptly for the terminal confirmation
			timer.Reset(m.policy.RetryDelay)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// poll queries the broker once and applies the outcome. It returns whether
// monitoring is finished and, if not, how long to wait before the next poll.
func (m *Manager) poll(ctx context.Context, t *task) (bool, time.Duration) {
	o := t.order
	interval := m.policy.Interval(o.Type)
	brokerID := o.BrokerRef()

	st, err := m.gw.QueryStatus(ctx, brokerID)
	if err != nil {
		var pe *gateway.PollError
		if errors.As(err, &pe) && pe.Retriable {
			o.RecordError(err)
			metrics.CountError("poll")
			if o.Retries() >= m.policy.MaxRetries {
				m.toDeadLetter(ctx, t, deadletter.NewReason(deadletter.ReasonRetryExhaustion, err))
				return true, 0
			}
			o.IncRetries()
			m.notify(ctx, o)
			return false, m.policy.RetryDelay
		}

		// terminal poll failure: the broker disowns the order, monitoring ends
		o.RecordError(err)
		metrics.CountError("poll")
		m.apply(ctx, o, model.OrderStatusFailed)
		return true, 0
	}

	if st.Unknown {
		o.RecordError(fmt.Errorf("broker reports order %s unknown", brokerID))
		m.apply(ctx, o, model.OrderStatusFailed)
		return true, 0
	}

	o.RecordFill(st.FilledQty)

	switch st.Status {
	case model.OrderStatusPartiallyFilled:
		m.apply(ctx, o, model.OrderStatusPartiallyFilled)
		return false, interval
	case model.OrderStatusFilled, model.OrderStatusCancelled, model.OrderStatusRejected:
		m.apply(ctx, o, st.Status)
		return true, 0
	default:
		// still open, unchanged
		return false, interval
	}
}

func (m *Manager) issueCancel(ctx context.Context, t *task) {
	if err := m.gw.Cancel(ctx, t.order.BrokerRef()); err != nil {
		t.order.RecordError(err)
		m.notify(ctx, t.order)
		zap.S().Warnw("cancel request failed", "order_id", t.order.OrderID, "err", err)
	}
}

func (m *Manager) apply(ctx context.Context, o *model.Order, to model.OrderStatus) {
	from, ok := o.TryTransition(to, CanTransition)
	if !ok {
		zap.S().Errorw("state transition refused", "order_id", o.OrderID,
			"err", &TransitionError{From: from, To: to})
		return
	}
	if from != to {
		metrics.TrackStatusChange(from, to)
		m.notify(ctx, o)
	}
}

func (m *Manager) toDeadLetter(ctx context.Context, t *task, reason deadletter.Reason) {
	o := t.order
	m.apply(ctx, o, model.OrderStatusDeadLetter)
	metrics.CountError(reason.Kind)

	if err := m.sink.Push(ctx, o.Snapshot(), reason); err != nil {
		zap.S().Errorw("dead letter push failed", "order_id", o.OrderID, "err", err)
	}
	if err := m.sink.Emit(ctx, deadletter.Alert{
		Severity: "critical",
		Subject:  "order dead-lettered: " + o.OrderID,
		Detail:   fmt.Sprintf("%s after %d retries: %s", reason.Kind, o.Retries(), o.LastFailure()),
	}); err != nil {
		zap.S().Errorw("alert emit failed", "order_id", o.OrderID, "err", err)
	}
}

func (m *Manager) notify(ctx context.Context, o *model.Order) {
	if m.onTransition != nil {
		m.onTransition(ctx, o)
	}
}
