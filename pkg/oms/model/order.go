package model

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusValidated       OrderStatus = "VALIDATED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
	OrderStatusDeadLetter      OrderStatus = "DEAD_LETTER"
)

// IsTerminal reports whether the order can never change state again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected,
		OrderStatusFailed, OrderStatusDeadLetter:
		return true
	}
	return false
}

// IsOpen reports whether the order is live at the broker and must be monitored.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeTWAP   OrderType = "TWAP"
	OrderTypeVWAP   OrderType = "VWAP"
)

type SecurityType string

const (
	SecurityTypeEquity SecurityType = "EQUITY"
	SecurityTypeFuture SecurityType = "FUTURE"
	SecurityTypeOption SecurityType = "OPTION"
	SecurityTypeForex  SecurityType = "FOREX"
)

type TimeInForce string

const (
	TimeInForceDAY TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

type SourceKind string

const (
	SourceSQL    SourceKind = "SQL"
	SourceStream SourceKind = "STREAM"
	SourceKafka  SourceKind = "KAFKA"
)

// Order is shared between the intake worker, the order's monitor task and
// the cancel/replace entry points. The mutable fields (status, fills, retry
// accounting, price/quantity after an amendment) are guarded by mu; callers
// outside this package go through the accessor methods.
type Order struct {
	mu sync.Mutex

	OrderID string
	Source  SourceKind
	// SourceRef is the natural key of the originating record, kept for acks.
	SourceRef string

	Account      string
	Symbol       string
	SecurityType SecurityType
	Side         OrderSide
	Type         OrderType
	TimeInForce  TimeInForce
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	HasPrice     bool

	Status        OrderStatus
	BrokerOrderID string
	FilledQty     decimal.Decimal
	RetryCount    int
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequiresPrice reports whether the order type is limit-like.
func (o *Order) RequiresPrice() bool {
	switch o.Type {
	case OrderTypeLimit, OrderTypeTWAP, OrderTypeVWAP:
		return true
	}
	return false
}

func (o *Order) CanCancel() bool {
	return o.CurrentStatus().IsOpen()
}

func (o *Order) CanReplace() bool {
	return o.CurrentStatus().IsOpen()
}

// CurrentStatus returns the order status under the lock.
func (o *Order) CurrentStatus() OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status
}

// TryTransition applies the status change when allowed reports the edge
// legal. It returns the status the order had and whether the change (or a
// same-status no-op) was accepted; terminal states are never left.
func (o *Order) TryTransition(to OrderStatus, allowed func(from, to OrderStatus) bool) (OrderStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	from := o.Status
	if from == to {
		return from, true
	}
	if from.IsTerminal() || !allowed(from, to) {
		return from, false
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return from, true
}

// SetBrokerOrderID assigns the broker order ID at most once. A repeated
// assignment of the same ID is a no-op; a different ID is refused.
func (o *Order) SetBrokerOrderID(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.BrokerOrderID != "" {
		return o.BrokerOrderID == id
	}
	o.BrokerOrderID = id
	return true
}

// BrokerRef returns the broker-assigned order ID, if any.
func (o *Order) BrokerRef() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.BrokerOrderID
}

func (o *Order) RecordError(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.LastError = err.Error()
	o.UpdatedAt = time.Now()
}

// LastFailure returns the most recent recorded error text.
func (o *Order) LastFailure() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.LastError
}

// Retries returns the cumulative retry count.
func (o *Order) Retries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.RetryCount
}

// IncRetries bumps the retry count and returns the new value.
func (o *Order) IncRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.RetryCount++
	return o.RetryCount
}

// RecordFill advances the cumulative filled quantity; it never moves
// backwards on a stale broker report.
func (o *Order) RecordFill(qty decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if qty.GreaterThan(o.FilledQty) {
		o.FilledQty = qty
		o.UpdatedAt = time.Now()
	}
}

// ApplyReplace records the new price and/or quantity after the broker
// accepted an amendment.
func (o *Order) ApplyReplace(newPrice, newQty *decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if newPrice != nil {
		o.Price = *newPrice
		o.HasPrice = true
	}
	if newQty != nil {
		o.Quantity = *newQty
	}
	o.UpdatedAt = time.Now()
}

// Snapshot returns a consistent copy of the order for journaling, wire
// encoding and read-only inspection.
func (o *Order) Snapshot() *Order {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &Order{
		OrderID:       o.OrderID,
		Source:        o.Source,
		SourceRef:     o.SourceRef,
		Account:       o.Account,
		Symbol:        o.Symbol,
		SecurityType:  o.SecurityType,
		Side:          o.Side,
		Type:          o.Type,
		TimeInForce:   o.TimeInForce,
		Quantity:      o.Quantity,
		Price:         o.Price,
		HasPrice:      o.HasPrice,
		Status:        o.Status,
		BrokerOrderID: o.BrokerOrderID,
		FilledQty:     o.FilledQty,
		RetryCount:    o.RetryCount,
		LastError:     o.LastError,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}
