package fixgateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/field"
	"github.com/quickfixgo/quickfix"
	"github.com/quickfixgo/tag"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cw07/omsflow/pkg/oms/fieldmap"
	"github.com/cw07/omsflow/pkg/oms/gateway"
	"github.com/cw07/omsflow/pkg/oms/model"
)

const defaultRequestTimeout = 5 * time.Second

// FixGateway is the FIX 4.4 initiator variant of the execution gateway. It
// speaks to the broker over a quickfix session and correlates inbound
// execution reports with pending submit/cancel/status requests by ClOrdID.
type FixGateway struct {
	cfg       *Config
	app       *Application
	initiator *quickfix.Initiator

	sessionMu sync.RWMutex
	sessionID *quickfix.SessionID

	// clOrdID -> chan *execReport
	pendingSubmits sync.Map
	pendingCancels sync.Map
	pendingQueries sync.Map

	// brokerOrderID -> clOrdID, clOrdID -> submitted order
	brokerToClOrd sync.Map
	submitted     sync.Map
}

type Config struct {
	SettingsPath   string        `yaml:"settings_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func New(cfg *Config) *FixGateway {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &FixGateway{cfg: cfg}
}

func (g *FixGateway) Start(ctx context.Context) error {
	app, initiator, err := startApp(g.cfg.SettingsPath, g)
	if err != nil {
		zap.S().Errorw("start fix initiator", "err", err)
		return err
	}
	g.app = app
	g.initiator = initiator
	return nil
}

func (g *FixGateway) Stop() {
	if g.initiator != nil {
		g.initiator.Stop()
	}
}

func (g *FixGateway) onLogon(sessionID quickfix.SessionID) {
	g.sessionMu.Lock()
	g.sessionID = &sessionID
	g.sessionMu.Unlock()
	zap.S().Infow("fix session logon", "session", sessionID.String())
}

func (g *FixGateway) onLogout(sessionID quickfix.SessionID) {
	g.sessionMu.Lock()
	g.sessionID = nil
	g.sessionMu.Unlock()
	zap.S().Warnw("fix session logout", "session", sessionID.String())
}

func (g *FixGateway) session() (*quickfix.SessionID, bool) {
	g.sessionMu.RLock()
	defer g.sessionMu.RUnlock()
	return g.sessionID, g.sessionID != nil
}

// Submit sends a NewOrderSingle built from the mapped field set and waits for
// the broker ack. A timeout is retriable; the engine's submission guard
// queries status before resending.
func (g *FixGateway) Submit(ctx context.Context, order *model.Order, fields fieldmap.FieldSet) (*gateway.BrokerAck, error) {
	sessionID, ok := g.session()
	if !ok {
		return nil, &gateway.SubmissionError{Reason: "no broker session", Retriable: true}
	}

	clOrdID, _ := fields.Get(tag.ClOrdID)
	if clOrdID == "" {
		return nil, &gateway.SubmissionError{Reason: "mapped order has no ClOrdID"}
	}

	msg := quickfix.NewMessage()
	msg.Header.SetString(tag.MsgType, string(enum.MsgType_ORDER_SINGLE))
	for _, f := range fields {
		switch f.Tag {
		case tag.SenderCompID, tag.TargetCompID:
			msg.Header.SetString(f.Tag, f.Value)
		default:
			msg.Body.SetString(f.Tag, f.Value)
		}
	}
	msg.Body.Set(field.NewTransactTime(time.Now().UTC()))

	ch := make(chan *execReport, 1)
	g.pendingSubmits.Store(clOrdID, ch)
	defer g.pendingSubmits.Delete(clOrdID)

	g.submitted.Store(clOrdID, order)

	if err := quickfix.SendToTarget(msg, *sessionID); err != nil {
		g.submitted.Delete(clOrdID)
		return nil, &gateway.SubmissionError{Reason: "send failed", Retriable: true, Err: err}
	}

	select {
	case report := <-ch:
		if report.ordStatus == enum.OrdStatus_REJECTED {
			return nil, &gateway.SubmissionError{Reason: "broker reject: " + report.text}
		}
		g.brokerToClOrd.Store(report.orderID, clOrdID)
		return &gateway.BrokerAck{BrokerOrderID: report.orderID, TransactTime: time.Now()}, nil
	case <-time.After(g.cfg.RequestTimeout):
		return nil, &gateway.SubmissionError{Reason: "ack timeout", Retriable: true}
	case <-ctx.Done():
		return nil, &gateway.SubmissionError{Reason: "cancelled", Retriable: true, Err: ctx.Err()}
	}
}

// Cancel sends an OrderCancelRequest. Cancelling an order the broker no
// longer knows, or already considers terminal, succeeds as a no-op.
func (g *FixGateway) Cancel(ctx context.Context, brokerOrderID string) error {
	clOrdID, order, ok := g.lookupByBrokerOrderID(brokerOrderID)
	if !ok {
		return nil
	}

	sessionID, up := g.session()
	if !up {
		return &gateway.SubmissionError{Reason: "no broker session", Retriable: true}
	}

	cancelClOrdID := uuid.NewString()
	msg := quickfix.NewMessage()
	msg.Header.SetString(tag.MsgType, string(enum.MsgType_ORDER_CANCEL_REQUEST))
	msg.Body.SetString(tag.ClOrdID, cancelClOrdID)
	msg.Body.SetString(tag.OrigClOrdID, clOrdID)
	msg.Body.SetString(tag.OrderID, brokerOrderID)
	msg.Body.SetString(tag.Symbol, order.Symbol)
	msg.Body.SetString(tag.Side, sideCode(order.Side))
	msg.Body.SetString(tag.OrderQty, order.Quantity.String())
	msg.Body.Set(field.NewTransactTime(time.Now().UTC()))

	ch := make(chan *execReport, 1)
	g.pendingCancels.Store(cancelClOrdID, ch)
	defer g.pendingCancels.Delete(cancelClOrdID)

	if err := quickfix.SendToTarget(msg, *sessionID); err != nil {
		return &gateway.SubmissionError{Reason: "send failed", Retriable: true, Err: err}
	}

	select {
	case report := <-ch:
		if report == nil {
			// cancel reject for an already-terminal or unknown order: no-op
			return nil
		}
		return nil
	case <-time.After(g.cfg.RequestTimeout):
		return &gateway.SubmissionError{Reason: "cancel ack timeout", Retriable: true}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replace sends an OrderCancelReplaceRequest with the new price/quantity.
func (g *FixGateway) Replace(ctx context.Context, brokerOrderID string, newPrice, newQty *decimal.Decimal) error {
	clOrdID, order, ok := g.lookupByBrokerOrderID(brokerOrderID)
	if !ok {
		return &gateway.SubmissionError{Reason: "unknown order " + brokerOrderID}
	}

	sessionID, up := g.session()
	if !up {
		return &gateway.SubmissionError{Reason: "no broker session", Retriable: true}
	}

	replaceClOrdID := uuid.NewString()
	msg := quickfix.NewMessage()
	msg.Header.SetString(tag.MsgType, string(enum.MsgType_ORDER_CANCEL_REPLACE_REQUEST))
	msg.Body.SetString(tag.ClOrdID, replaceClOrdID)
	msg.Body.SetString(tag.OrigClOrdID, clOrdID)
	msg.Body.SetString(tag.OrderID, brokerOrderID)
	msg.Body.SetString(tag.Symbol, order.Symbol)
	msg.Body.SetString(tag.Side, sideCode(order.Side))
	qty := order.Quantity
	if newQty != nil {
		qty = *newQty
	}
	msg.Body.SetString(tag.OrderQty, qty.String())
	if newPrice != nil {
		msg.Body.SetString(tag.Price, newPrice.String())
	} else if order.HasPrice {
		msg.Body.SetString(tag.Price, order.Price.String())
	}
	msg.Body.Set(field.NewTransactTime(time.Now().UTC()))

	ch := make(chan *execReport, 1)
	g.pendingCancels.Store(replaceClOrdID, ch)
	defer g.pendingCancels.Delete(replaceClOrdID)

	if err := quickfix.SendToTarget(msg, *sessionID); err != nil {
		return &gateway.SubmissionError{Reason: "send failed", Retriable: true, Err: err}
	}

	select {
	case report := <-ch:
		if report == nil {
			return &gateway.SubmissionError{Reason: "replace rejected"}
		}
		return nil
	case <-time.After(g.cfg.RequestTimeout):
		return &gateway.SubmissionError{Reason: "replace ack timeout", Retriable: true}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *FixGateway) BulkCancel(ctx context.Context, brokerOrderIDs []string) error {
	var errs []error
	for _, id := range brokerOrderIDs {
		if err := g.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueryStatus sends an OrderStatusRequest and waits for the matching
// ExecutionReport.
func (g *FixGateway) QueryStatus(ctx context.Context, brokerOrderID string) (*gateway.BrokerStatus, error) {
	clOrdID, order, ok := g.lookupByBrokerOrderID(brokerOrderID)
	if !ok {
		return &gateway.BrokerStatus{BrokerOrderID: brokerOrderID, Unknown: true}, nil
	}

	sessionID, up := g.session()
	if !up {
		return nil, &gateway.PollError{Reason: "no broker session", Retriable: true}
	}

	msg := quickfix.NewMessage()
	msg.Header.SetString(tag.MsgType, string(enum.MsgType_ORDER_STATUS_REQUEST))
	msg.Body.SetString(tag.ClOrdID, clOrdID)
	msg.Body.SetString(tag.OrderID, brokerOrderID)
	msg.Body.SetString(tag.Symbol, order.Symbol)
	msg.Body.SetString(tag.Side, sideCode(order.Side))

	ch := make(chan *execReport, 1)
	g.pendingQueries.Store(clOrdID, ch)
	defer g.pendingQueries.Delete(clOrdID)

	if err := quickfix.SendToTarget(msg, *sessionID); err != nil {
		return nil, &gateway.PollError{Reason: "send failed", Retriable: true, Err: err}
	}

	select {
	case report := <-ch:
		return report.brokerStatus(), nil
	case <-time.After(g.cfg.RequestTimeout):
		return nil, &gateway.PollError{Reason: "status timeout", Retriable: true}
	case <-ctx.Done():
		return nil, &gateway.PollError{Reason: "cancelled", Retriable: true, Err: ctx.Err()}
	}
}

// lookupByBrokerOrderID resolves either a broker order ID or, as a fallback,
// a ClOrdID the gateway has submitted. The fallback lets the engine query by
// its own order ID after an ambiguous submit timeout, before any broker ID
// is known.
func (g *FixGateway) lookupByBrokerOrderID(brokerOrderID string) (string, *model.Order, bool) {
	clOrdID := brokerOrderID
	if v, ok := g.brokerToClOrd.Load(brokerOrderID); ok {
		clOrdID = v.(string)
	}
	ov, ok := g.submitted.Load(clOrdID)
	if !ok {
		return "", nil, false
	}
	// snapshot: the engine may amend price/quantity while we read
	return clOrdID, ov.(*model.Order).Snapshot(), true
}

func (g *FixGateway) onExecutionReport(report *execReport) {
	if report.orderID != "" {
		if _, ok := g.submitted.Load(report.clOrdID); ok {
			g.brokerToClOrd.Store(report.orderID, report.clOrdID)
		}
	}

	if report.execType == enum.ExecType_ORDER_STATUS {
		if ch, ok := g.pendingQueries.Load(report.clOrdID); ok {
			select {
			case ch.(chan *execReport) <- report:
			default:
			}
		}
		return
	}

	if ch, ok := g.pendingSubmits.Load(report.clOrdID); ok {
		select {
		case ch.(chan *execReport) <- report:
		default:
		}
		return
	}
	if ch, ok := g.pendingCancels.Load(report.clOrdID); ok {
		select {
		case ch.(chan *execReport) <- report:
		default:
		}
		return
	}

	zap.S().Debugw("unsolicited execution report",
		"cl_ord_id", report.clOrdID, "exec_type", report.execType, "ord_status", report.ordStatus)
}

func (g *FixGateway) onCancelReject(clOrdID string, reason enum.CxlRejReason, text string) {
	ch, ok := g.pendingCancels.Load(clOrdID)
	if !ok {
		return
	}
	// a nil report signals the cancel resolved as a no-op
	select {
	case ch.(chan *execReport) <- nil:
	default:
	}
}

func sideCode(side model.OrderSide) string {
	if side == model.OrderSideSell {
		return string(enum.Side_SELL)
	}
	return string(enum.Side_BUY)
}
