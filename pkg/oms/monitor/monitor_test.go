package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/deadletter"
	"github.com/cw07/omsflow/pkg/oms/fieldmap"
	"github.com/cw07/omsflow/pkg/oms/gateway"
	"github.com/cw07/omsflow/pkg/oms/model"
)

// fakeGateway scripts QueryStatus responses and records cancels.
type fakeGateway struct {
	mu        sync.Mutex
	statuses  []*gateway.BrokerStatus
	pollErr   error
	cancelled []string
	polls     int
}

func (g *fakeGateway) Start(context.Context) error { return nil }
func (g *fakeGateway) Stop()                       {}

func (g *fakeGateway) Submit(context.Context, *model.Order, fieldmap.FieldSet) (*gateway.BrokerAck, error) {
	return &gateway.BrokerAck{BrokerOrderID: "B1"}, nil
}

func (g *fakeGateway) Cancel(_ context.Context, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, brokerOrderID)
	return nil
}

func (g *fakeGateway) BulkCancel(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := g.Cancel(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (g *fakeGateway) Replace(context.Context, string, *decimal.Decimal, *decimal.Decimal) error {
	return nil
}

func (g *fakeGateway) QueryStatus(context.Context, string) (*gateway.BrokerStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	if len(g.cancelled) > 0 {
		return &gateway.BrokerStatus{BrokerOrderID: "B1", Status: model.OrderStatusCancelled}, nil
	}
	if len(g.statuses) == 0 {
		return &gateway.BrokerStatus{BrokerOrderID: "B1", Status: model.OrderStatusSubmitted}, nil
	}
	st := g.statuses[0]
	if len(g.statuses) > 1 {
		g.statuses = g.statuses[1:]
	}
	return st, nil
}

func fastPolicy() *PollingPolicy {
	return &PollingPolicy{
		Intervals: map[model.OrderType]time.Duration{
			model.OrderTypeMarket: time.Millisecond,
			model.OrderTypeLimit:  time.Millisecond,
		},
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func submittedOrder(id string) *model.Order {
	return &model.Order{
		OrderID:       id,
		Symbol:        "AAPL",
		Type:          model.OrderTypeLimit,
		Status:        model.OrderStatusSubmitted,
		BrokerOrderID: "B1",
	}
}

func waitDone(t *testing.T, m *Manager, orderID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !m.Watching(orderID) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("monitor task for %s did not finish", orderID)
}

func TestMonitorFillCompletes(t *testing.T) {
	gw := &fakeGateway{statuses: []*gateway.BrokerStatus{
		{BrokerOrderID: "B1", Status: model.OrderStatusPartiallyFilled, FilledQty: decimal.NewFromInt(40)},
		{BrokerOrderID: "B1", Status: model.OrderStatusFilled, FilledQty: decimal.NewFromInt(100)},
	}}
	sink := deadletter.NewMemorySink()
	m := NewManager(gw, fastPolicy(), sink)
	defer m.Stop()

	o := submittedOrder("O1")
	m.Watch(context.Background(), o)
	waitDone(t, m, "O1")

	if o.Status != model.OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}
	if !o.FilledQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("filled qty = %s, want 100", o.FilledQty)
	}
	if len(sink.Pushed()) != 0 {
		t.Errorf("unexpected dead letters: %d", len(sink.Pushed()))
	}
}

func TestMonitorRetryExhaustion(t *testing.T) {
	gw := &fakeGateway{pollErr: &gateway.PollError{Reason: "timeout", Retriable: true}}
	sink := deadletter.NewMemorySink()
	m := NewManager(gw, fastPolicy(), sink)
	defer m.Stop()

	o := submittedOrder("O1")
	m.Watch(context.Background(), o)
	waitDone(t, m, "O1")

	if o.Status != model.OrderStatusDeadLetter {
		t.Errorf("status = %s, want DEAD_LETTER", o.Status)
	}
	if o.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", o.RetryCount)
	}
	if len(sink.Pushed()) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(sink.Pushed()))
	}
	reasons := sink.Reasons()
	if reasons[0].Kind != deadletter.ReasonRetryExhaustion {
		t.Errorf("reason = %s, want retry_exhaustion", reasons[0].Kind)
	}
	alerts := sink.Alerts()
	if len(alerts) != 1 || alerts[0].Severity != "critical" {
		t.Errorf("expected one critical alert, got %+v", alerts)
	}
}

func TestMonitorNonRetriableFails(t *testing.T) {
	gw := &fakeGateway{pollErr: &gateway.PollError{Reason: "session down", Retriable: false}}
	sink := deadletter.NewMemorySink()
	m := NewManager(gw, fastPolicy(), sink)
	defer m.Stop()

	o := submittedOrder("O1")
	m.Watch(context.Background(), o)
	waitDone(t, m, "O1")

	if o.Status != model.OrderStatusFailed {
		t.Errorf("status = %s, want FAILED", o.Status)
	}
}

func TestMonitorUnknownOrderFails(t *testing.T) {
	gw := &fakeGateway{statuses: []*gateway.BrokerStatus{{Unknown: true}}}
	sink := deadletter.NewMemorySink()
	m := NewManager(gw, fastPolicy(), sink)
	defer m.Stop()

	o := submittedOrder("O1")
	m.Watch(context.Background(), o)
	waitDone(t, m, "O1")

	if o.Status != model.OrderStatusFailed {
		t.Errorf("status = %s, want FAILED", o.Status)
	}
}

func TestMonitorCancelFlow(t *testing.T) {
	gw := &fakeGateway{}
	sink := deadletter.NewMemorySink()
	m := NewManager(gw, fastPolicy(), sink)
	defer m.Stop()

	o := submittedOrder("O1")
	m.Watch(context.Background(), o)
	if err := m.RequestCancel("O1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	waitDone(t, m, "O1")

	if o.Status != model.OrderStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", o.Status)
	}
	gw.mu.Lock()
	cancels := len(gw.cancelled)
	gw.mu.Unlock()
	if cancels != 1 {
		t.Errorf("gateway cancels = %d, want 1", cancels)
	}
}

func TestWatchIgnoresTerminalOrder(t *testing.T) {
	m := NewManager(&fakeGateway{}, fastPolicy(), deadletter.NewMemorySink())
	defer m.Stop()

	o := submittedOrder("O1")
	o.Status = model.OrderStatusFilled
	m.Watch(context.Background(), o)

	if m.Watching("O1") {
		t.Error("terminal order got a monitor task")
	}
}

func TestWatchIsIdempotent(t *testing.T) {
	gw := &fakeGateway{pollErr: &gateway.PollError{Reason: "timeout", Retriable: true}}
	m := NewManager(gw, &PollingPolicy{
		Intervals:  map[model.OrderType]time.Duration{model.OrderTypeLimit: time.Hour},
		MaxRetries: 3,
		RetryDelay: time.Hour,
	}, deadletter.NewMemorySink())

	o := submittedOrder("O1")
	m.Watch(context.Background(), o)
	m.Watch(context.Background(), o)

	if !m.Watching("O1") {
		t.Fatal("order not watched")
	}
	m.Stop()
	if m.Watching("O1") {
		t.Error("task survived Stop")
	}
}

func TestRequestCancelUnknownOrder(t *testing.T) {
	m := NewManager(&fakeGateway{}, fastPolicy(), deadletter.NewMemorySink())
	defer m.Stop()

	if err := m.RequestCancel("missing"); err == nil {
		t.Error("expected error for unmonitored order")
	}
}

func TestConcurrentReadsDuringPolling(t *testing.T) {
	gw := &fakeGateway{pollErr: &gateway.PollError{Reason: "timeout", Retriable: true}}
	sink := deadletter.NewMemorySink()
	m := NewManager(gw, fastPolicy(), sink)
	defer m.Stop()

	o := submittedOrder("O1")
	m.Watch(context.Background(), o)

	// read the mutable fields from this goroutine while the monitor task
	// records poll failures and retry counts on its side
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = o.CurrentStatus().IsOpen()
			_ = o.Retries()
			_ = o.LastFailure()
			_ = o.Snapshot()
		}
	}()

	waitDone(t, m, "O1")
	close(stop)
	wg.Wait()

	if o.CurrentStatus() != model.OrderStatusDeadLetter {
		t.Errorf("status = %s, want DEAD_LETTER after exhausted retries", o.CurrentStatus())
	}
}
