package oms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/deadletter"
	"github.com/cw07/omsflow/pkg/oms/fieldmap"
	"github.com/cw07/omsflow/pkg/oms/gateway"
	"github.com/cw07/omsflow/pkg/oms/journal"
	"github.com/cw07/omsflow/pkg/oms/model"
	"github.com/cw07/omsflow/pkg/oms/monitor"
	"github.com/cw07/omsflow/pkg/oms/refdata"
	"github.com/cw07/omsflow/pkg/oms/source"
	"github.com/cw07/omsflow/pkg/oms/validation"
)

// fakeGateway scripts submit and query behavior for engine tests.
type fakeGateway struct {
	mu         sync.Mutex
	submitErr  error
	submitCount int
	queryResp  *gateway.BrokerStatus
	cancelled  []string
}

func (g *fakeGateway) Start(context.Context) error { return nil }
func (g *fakeGateway) Stop()                       {}

func (g *fakeGateway) Submit(_ context.Context, o *model.Order, _ fieldmap.FieldSet) (*gateway.BrokerAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCount++
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	return &gateway.BrokerAck{BrokerOrderID: "B-" + o.OrderID, TransactTime: time.Now()}, nil
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
	if g.queryResp != nil {
		return g.queryResp, nil
	}
	return &gateway.BrokerStatus{Status: model.OrderStatusSubmitted}, nil
}

func (g *fakeGateway) submits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitCount
}

// fakeSource hands a fixed batch of raw orders to the intake and records
// acks.
type fakeSource struct {
	mu    sync.Mutex
	raws  []*model.RawOrder
	acked []string
}

func (s *fakeSource) Name() string           { return "fake" }
func (s *fakeSource) Kind() model.SourceKind { return model.SourceSQL }

func (s *fakeSource) Run(ctx context.Context, intake chan<- *model.RawOrder) error {
	for _, raw := range s.raws {
		select {
		case intake <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSource) Ack(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ref)
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func testTables() *refdata.BrokerRefData {
	return refdata.New(&refdata.Config{
		SecurityType: map[string]string{"EQUITY": "CS"},
		OrderType:    map[string]string{"MARKET": "1", "LIMIT": "2"},
		TimeInForce:  map[string]string{"DAY": "0"},
	})
}

func testValidator(tables *refdata.BrokerRefData) *validation.Engine {
	return validation.NewEngine(&validation.Context{
		RefData: tables,
		ReferencePrices: map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(100),
		},
		MaxPriceDeviation: decimal.NewFromFloat(0.10),
		MaxPositionValue:  decimal.NewFromInt(1000000),
	}, validation.DefaultRules()...)
}

func fastPolicy() *monitor.PollingPolicy {
	return &monitor.PollingPolicy{
		Intervals: map[model.OrderType]time.Duration{
			model.OrderTypeLimit: time.Hour, // keep monitors quiet during engine tests
		},
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func rawLimitOrder(ref string) *model.RawOrder {
	return &model.RawOrder{
		Source: model.SourceSQL,
		Ref:    ref,
		Data: map[string]string{
			"account":       "ACC1",
			"symbol":        "AAPL",
			"security_type": "EQUITY",
			"side":          "BUY",
			"order_type":    "LIMIT",
			"time_in_force": "DAY",
			"quantity":      "100",
			"price":         "99",
		},
	}
}

func newTestEngine(gw gateway.ExecutionGateway, jrnl journal.Journal, sink deadletter.Sink, srcs ...*fakeSource) *OMS {
	tables := testTables()
	mapper := fieldmap.NewMapper(tables, fieldmap.SessionConfig{
		SenderCompID: "OMS", TargetCompID: "BROKER", Account: "HOUSE",
	})
	sources := make([]source.OrderSource, 0, len(srcs))
	for _, s := range srcs {
		sources = append(sources, s)
	}
	return NewOMS(&Config{Account: "HOUSE"}, gw, testValidator(tables), mapper, jrnl, sink, fastPolicy(), sources...)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIngestAndSubmit(t *testing.T) {
	gw := &fakeGateway{}
	jrnl := journal.NewInMemoryJournal()
	src := &fakeSource{raws: []*model.RawOrder{rawLimitOrder("r1")}}
	engine := newTestEngine(gw, jrnl, deadletter.NewMemorySink(), src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	orderID := model.DeriveOrderID(model.SourceSQL, "r1")
	waitFor(t, func() bool {
		o, err := engine.GetOrderByOrderID(orderID)
		return err == nil && o.CurrentStatus() == model.OrderStatusSubmitted
	}, "order submission")

	o, _ := engine.GetOrderByOrderID(orderID)
	if o.BrokerRef() != "B-"+orderID {
		t.Errorf("broker order id = %q", o.BrokerRef())
	}
	if !engine.Monitor().Watching(orderID) {
		t.Error("submitted order not monitored")
	}
	if acks := src.acks(); len(acks) != 1 || acks[0] != "r1" {
		t.Errorf("acks = %v, want [r1]", acks)
	}
	if jrnl.Len() < 3 {
		t.Errorf("journal entries = %d, want NEW, VALIDATED and SUBMITTED", jrnl.Len())
	}
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	src := &fakeSource{raws: []*model.RawOrder{rawLimitOrder("r1"), rawLimitOrder("r1")}}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), deadletter.NewMemorySink(), src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	waitFor(t, func() bool { return len(src.acks()) == 2 }, "both deliveries acked")

	if got := len(engine.Orders()); got != 1 {
		t.Errorf("orders = %d, want 1", got)
	}
	if gw.submits() != 1 {
		t.Errorf("submits = %d, want 1", gw.submits())
	}
}

func TestParseFailureDeadLetters(t *testing.T) {
	bad := &model.RawOrder{
		Source: model.SourceSQL,
		Ref:    "bad1",
		Data:   map[string]string{"symbol": "AAPL"},
	}
	sink := deadletter.NewMemorySink()
	src := &fakeSource{raws: []*model.RawOrder{bad}}
	engine := newTestEngine(&fakeGateway{}, journal.NewInMemoryJournal(), sink, src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	waitFor(t, func() bool { return len(sink.Pushed()) == 1 }, "dead letter")

	reasons := sink.Reasons()
	if reasons[0].Kind != deadletter.ReasonParseFailure {
		t.Errorf("reason = %s, want parse_failure", reasons[0].Kind)
	}
	// the bad record is still acked so the source can move on
	waitFor(t, func() bool { return len(src.acks()) == 1 }, "ack of bad record")
}

func TestValidationRejection(t *testing.T) {
	raw := rawLimitOrder("r1")
	raw.Data["price"] = "150" // 50% above reference
	gw := &fakeGateway{}
	src := &fakeSource{raws: []*model.RawOrder{raw}}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), deadletter.NewMemorySink(), src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	orderID := model.DeriveOrderID(model.SourceSQL, "r1")
	waitFor(t, func() bool {
		o, err := engine.GetOrderByOrderID(orderID)
		return err == nil && o.CurrentStatus() == model.OrderStatusRejected
	}, "rejection")

	if gw.submits() != 0 {
		t.Errorf("rejected order was submitted %d times", gw.submits())
	}
	o, _ := engine.GetOrderByOrderID(orderID)
	if o.LastFailure() == "" {
		t.Error("rejection reason not recorded")
	}
}

func TestSubmitRetryExhaustion(t *testing.T) {
	gw := &fakeGateway{
		submitErr: &gateway.SubmissionError{Reason: "timeout", Retriable: true},
		queryResp: &gateway.BrokerStatus{Unknown: true},
	}
	sink := deadletter.NewMemorySink()
	src := &fakeSource{raws: []*model.RawOrder{rawLimitOrder("r1")}}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), sink, src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	orderID := model.DeriveOrderID(model.SourceSQL, "r1")
	waitFor(t, func() bool {
		o, err := engine.GetOrderByOrderID(orderID)
		return err == nil && o.CurrentStatus() == model.OrderStatusDeadLetter
	}, "dead letter")

	o, _ := engine.GetOrderByOrderID(orderID)
	if o.Retries() != 3 {
		t.Errorf("retry count = %d, want 3", o.Retries())
	}
	if gw.submits() != 4 {
		t.Errorf("submits = %d, want initial + 3 retries", gw.submits())
	}
	if len(sink.Pushed()) != 1 {
		t.Errorf("dead letters = %d, want 1", len(sink.Pushed()))
	}
}

func TestNonRetriableSubmitRejects(t *testing.T) {
	gw := &fakeGateway{
		submitErr: &gateway.SubmissionError{Reason: "broker reject", Retriable: false},
	}
	src := &fakeSource{raws: []*model.RawOrder{rawLimitOrder("r1")}}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), deadletter.NewMemorySink(), src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	orderID := model.DeriveOrderID(model.SourceSQL, "r1")
	waitFor(t, func() bool {
		o, err := engine.GetOrderByOrderID(orderID)
		return err == nil && o.CurrentStatus() == model.OrderStatusRejected
	}, "rejection")

	if gw.submits() != 1 {
		t.Errorf("submits = %d, want 1 with no retries", gw.submits())
	}
}

func TestAmbiguousTimeoutQueriesBeforeResubmit(t *testing.T) {
	// the first submit times out but actually reached the broker; the
	// status query on retry discovers it and no second send happens
	gw := &fakeGateway{
		submitErr: &gateway.SubmissionError{Reason: "timeout", Retriable: true},
		queryResp: &gateway.BrokerStatus{BrokerOrderID: "B-known", Status: model.OrderStatusSubmitted},
	}
	src := &fakeSource{raws: []*model.RawOrder{rawLimitOrder("r1")}}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), deadletter.NewMemorySink(), src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	orderID := model.DeriveOrderID(model.SourceSQL, "r1")
	waitFor(t, func() bool {
		o, err := engine.GetOrderByOrderID(orderID)
		return err == nil && o.CurrentStatus() == model.OrderStatusSubmitted
	}, "submission recovered via status query")

	o, _ := engine.GetOrderByOrderID(orderID)
	if o.BrokerRef() != "B-known" {
		t.Errorf("broker order id = %q, want B-known", o.BrokerRef())
	}
	if gw.submits() != 1 {
		t.Errorf("submits = %d, want 1", gw.submits())
	}
}

func TestRecoverResumesOpenOrders(t *testing.T) {
	jrnl := journal.NewInMemoryJournal()
	ctx := context.Background()

	open := &model.Order{
		OrderID: "open-1", Symbol: "AAPL", Type: model.OrderTypeLimit,
		Status: model.OrderStatusSubmitted, BrokerOrderID: "B-open",
	}
	done := &model.Order{
		OrderID: "done-1", Symbol: "AAPL", Type: model.OrderTypeLimit,
		Status: model.OrderStatusFilled, BrokerOrderID: "B-done",
	}
	_ = jrnl.Append(ctx, journal.NewEntry(&model.Order{OrderID: "open-1", Status: model.OrderStatusNew}, time.Now()))
	_ = jrnl.Append(ctx, journal.NewEntry(open, time.Now()))
	_ = jrnl.Append(ctx, journal.NewEntry(done, time.Now()))

	gw := &fakeGateway{}
	engine := newTestEngine(gw, jrnl, deadletter.NewMemorySink())

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	// last journal entry wins
	o, err := engine.GetOrderByOrderID("open-1")
	if err != nil {
		t.Fatalf("open order missing: %v", err)
	}
	if o.CurrentStatus() != model.OrderStatusSubmitted {
		t.Errorf("status = %s, want SUBMITTED", o.CurrentStatus())
	}
	if !engine.Monitor().Watching("open-1") {
		t.Error("open order not re-monitored after recovery")
	}
	if engine.Monitor().Watching("done-1") {
		t.Error("terminal order re-monitored")
	}
	if gw.submits() != 0 {
		t.Errorf("recovery resubmitted %d orders", gw.submits())
	}
}

func TestCancelTerminalOrderIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), deadletter.NewMemorySink())

	o := &model.Order{OrderID: "O1", Status: model.OrderStatusFilled, BrokerOrderID: "B1"}
	engine.addOrderToIndex(o)

	if err := engine.CancelOrder(context.Background(), "O1"); err != nil {
		t.Errorf("cancel of terminal order errored: %v", err)
	}
	if len(gw.cancelled) != 0 {
		t.Errorf("gateway cancel issued for terminal order")
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	engine := newTestEngine(&fakeGateway{}, journal.NewInMemoryJournal(), deadletter.NewMemorySink())
	if err := engine.CancelOrder(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown order")
	}
}

func TestBulkCancelFiltersByPredicate(t *testing.T) {
	gw := &fakeGateway{}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), deadletter.NewMemorySink())

	a := &model.Order{OrderID: "A", Account: "ACC1", Type: model.OrderTypeLimit, Status: model.OrderStatusSubmitted, BrokerOrderID: "B-A"}
	b := &model.Order{OrderID: "B", Account: "ACC2", Type: model.OrderTypeLimit, Status: model.OrderStatusSubmitted, BrokerOrderID: "B-B"}
	engine.addOrderToIndex(a)
	engine.addOrderToIndex(b)

	err := engine.BulkCancel(context.Background(), func(o *model.Order) bool {
		return o.Account == "ACC1"
	})
	if err != nil {
		t.Fatalf("bulk cancel: %v", err)
	}

	gw.mu.Lock()
	cancels := append([]string(nil), gw.cancelled...)
	gw.mu.Unlock()
	if len(cancels) != 1 || cancels[0] != "B-A" {
		t.Errorf("cancels = %v, want [B-A]", cancels)
	}
}

func TestReplaceWhileMonitored(t *testing.T) {
	gw := &fakeGateway{}
	tables := testTables()
	mapper := fieldmap.NewMapper(tables, fieldmap.SessionConfig{
		SenderCompID: "OMS", TargetCompID: "BROKER", Account: "HOUSE",
	})
	policy := &monitor.PollingPolicy{
		Intervals:  map[model.OrderType]time.Duration{model.OrderTypeLimit: time.Millisecond},
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
	engine := NewOMS(&Config{Account: "HOUSE"}, gw, testValidator(tables), mapper,
		journal.NewInMemoryJournal(), deadletter.NewMemorySink(), policy)

	o := &model.Order{
		OrderID: "O1", Symbol: "AAPL", Type: model.OrderTypeLimit,
		Status: model.OrderStatusSubmitted, BrokerOrderID: "B1",
		Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(99), HasPrice: true,
	}
	engine.addOrderToIndex(o)
	engine.Monitor().Watch(context.Background(), o)
	defer engine.Monitor().Stop()

	// amend repeatedly while the monitor task polls the same order
	for i := 1; i <= 50; i++ {
		p := decimal.NewFromInt(int64(90 + i%10))
		q := decimal.NewFromInt(int64(100 + i))
		if err := engine.ReplaceOrder(context.Background(), "O1", &p, &q); err != nil {
			t.Fatalf("replace %d: %v", i, err)
		}
	}

	snap := o.Snapshot()
	if !snap.Quantity.Equal(decimal.NewFromInt(150)) {
		t.Errorf("quantity = %s, want 150", snap.Quantity)
	}
	if !snap.HasPrice {
		t.Error("amended order lost its price")
	}
}

// slowGateway holds the submit ack long enough for a shutdown to overlap it.
type slowGateway struct {
	fakeGateway
	delay      time.Duration
	submitting chan struct{}
	once       sync.Once
}

func (g *slowGateway) Submit(ctx context.Context, o *model.Order, fields fieldmap.FieldSet) (*gateway.BrokerAck, error) {
	g.once.Do(func() { close(g.submitting) })
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return nil, &gateway.SubmissionError{Reason: "cancelled", Retriable: true, Err: ctx.Err()}
	}
	return g.fakeGateway.Submit(ctx, o, fields)
}

func TestStopWaitsForInFlightSubmission(t *testing.T) {
	gw := &slowGateway{delay: 100 * time.Millisecond, submitting: make(chan struct{})}
	sink := deadletter.NewMemorySink()
	src := &fakeSource{raws: []*model.RawOrder{rawLimitOrder("r1")}}
	engine := newTestEngine(gw, journal.NewInMemoryJournal(), sink, src)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-gw.submitting
	engine.Stop()

	orderID := model.DeriveOrderID(model.SourceSQL, "r1")
	o, err := engine.GetOrderByOrderID(orderID)
	if err != nil {
		t.Fatalf("order missing after shutdown: %v", err)
	}
	if got := o.CurrentStatus(); got != model.OrderStatusSubmitted {
		t.Errorf("status after shutdown = %s, want SUBMITTED", got)
	}
	if len(sink.Pushed()) != 0 {
		t.Error("shutdown dead-lettered an in-flight submission")
	}
}
