package fixgateway

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/quickfixgo/fix44/executionreport"
	"github.com/quickfixgo/fix44/ordercancelreject"
	"github.com/quickfixgo/quickfix"
	"github.com/quickfixgo/quickfix/log/file"
	"go.uber.org/zap"
)

// Application implements the quickfix.Application interface for the broker
// session. Inbound execution reports and cancel rejects are routed back to
// the gateway's pending-request correlation maps.
type Application struct {
	*quickfix.MessageRouter

	gw *FixGateway
}

func newApplication(gw *FixGateway) *Application {
	app := &Application{
		MessageRouter: quickfix.NewMessageRouter(),
		gw:            gw,
	}

	app.AddRoute(executionreport.Route(app.onExecutionReport))
	app.AddRoute(ordercancelreject.Route(app.onOrderCancelReject))

	return app
}

func startApp(configFilepath string, gw *FixGateway) (*Application, *quickfix.Initiator, error) {
	cfg, err := os.Open(configFilepath)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening %v, %v", configFilepath, err)
	}
	defer cfg.Close() // nolint

	stringData, readErr := io.ReadAll(cfg)
	if readErr != nil {
		return nil, nil, fmt.Errorf("error reading cfg: %s,", readErr)
	}

	appSettings, err := quickfix.ParseSettings(bytes.NewReader(stringData))
	if err != nil {
		return nil, nil, fmt.Errorf("error reading cfg: %s,", err)
	}

	app := newApplication(gw)

	logFactory, _ := file.NewLogFactory(appSettings)
	initiator, err := quickfix.NewInitiator(app, quickfix.NewMemoryStoreFactory(), appSettings, logFactory)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create initiator: %s", err)
	}

	if err = initiator.Start(); err != nil {
		return nil, nil, fmt.Errorf("unable to start FIX initiator: %s", err)
	}

	return app, initiator, nil
}

// OnCreate implemented as part of Application interface
func (a *Application) OnCreate(sessionID quickfix.SessionID) {}

// OnLogon implemented as part of Application interface
func (a *Application) OnLogon(sessionID quickfix.SessionID) {
	a.gw.onLogon(sessionID)
}

// OnLogout implemented as part of Application interface
func (a *Application) OnLogout(sessionID quickfix.SessionID) {
	a.gw.onLogout(sessionID)
}

// ToAdmin implemented as part of Application interface
func (a *Application) ToAdmin(msg *quickfix.Message, sessionID quickfix.SessionID) {}

// ToApp implemented as part of Application interface
func (a *Application) ToApp(msg *quickfix.Message, sessionID quickfix.SessionID) error {
	return nil
}

// FromAdmin implemented as part of Application interface
func (a *Application) FromAdmin(msg *quickfix.Message, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	return nil
}

// FromApp implemented as part of Application interface, uses Router on incoming application messages
func (a *Application) FromApp(msg *quickfix.Message, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	return a.Route(msg, sessionID)
}

func (a *Application) onExecutionReport(msg executionreport.ExecutionReport, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	clOrdID, _ := msg.GetClOrdID()
	orderID, _ := msg.GetOrderID()
	execType, _ := msg.GetExecType()
	ordStatus, _ := msg.GetOrdStatus()
	cumQty, _ := msg.GetCumQty()
	lastPx, _ := msg.GetLastPx()
	text, _ := msg.GetText()

	a.gw.onExecutionReport(&execReport{
		clOrdID:   clOrdID,
		orderID:   orderID,
		execType:  execType,
		ordStatus: ordStatus,
		cumQty:    cumQty,
		lastPx:    lastPx,
		text:      text,
	})
	return nil
}

func (a *Application) onOrderCancelReject(msg ordercancelreject.OrderCancelReject, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	clOrdID, _ := msg.GetClOrdID()
	reason, _ := msg.GetCxlRejReason()
	text, _ := msg.GetText()

	zap.S().Warnw("order cancel reject", "cl_ord_id", clOrdID, "reason", reason, "text", text)
	a.gw.onCancelReject(clOrdID, reason, text)
	return nil
}
