package fixgateway

import (
	"github.com/quickfixgo/enum"
	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/gateway"
	"github.com/cw07/omsflow/pkg/oms/model"
)

// execReport is the subset of an inbound ExecutionReport the gateway
// correlates against pending requests.
type execReport struct {
	clOrdID   string
	orderID   string
	execType  enum.ExecType
	ordStatus enum.OrdStatus
	cumQty    decimal.Decimal
	lastPx    decimal.Decimal
	text      string
}

var ordStatusMapping = map[enum.OrdStatus]model.OrderStatus{
	enum.OrdStatus_NEW:              model.OrderStatusSubmitted,
	enum.OrdStatus_PENDING_NEW:      model.OrderStatusSubmitted,
	enum.OrdStatus_PARTIALLY_FILLED: model.OrderStatusPartiallyFilled,
	enum.OrdStatus_FILLED:           model.OrderStatusFilled,
	enum.OrdStatus_CANCELED:         model.OrderStatusCancelled,
	enum.OrdStatus_PENDING_CANCEL:   model.OrderStatusSubmitted,
	enum.OrdStatus_EXPIRED:          model.OrderStatusCancelled,
	enum.OrdStatus_DONE_FOR_DAY:     model.OrderStatusCancelled,
	enum.OrdStatus_REJECTED:         model.OrderStatusRejected,
}

func (r *execReport) brokerStatus() *gateway.BrokerStatus {
	status, ok := ordStatusMapping[r.ordStatus]
	if !ok {
		status = model.OrderStatusSubmitted
	}
	return &gateway.BrokerStatus{
		BrokerOrderID: r.orderID,
		Status:        status,
		FilledQty:     r.cumQty,
		LastPrice:     r.lastPx,
		Text:          r.text,
	}
}
