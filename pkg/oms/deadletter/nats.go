package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/model"
)

// Record is the wire form of a dead-lettered order, consumed by the archive
// worker for audit and replay.
type Record struct {
	OrderID       string          `json:"order_id"`
	Source        string          `json:"source"`
	SourceRef     string          `json:"source_ref"`
	Account       string          `json:"account"`
	Symbol        string          `json:"symbol"`
	SecurityType  string          `json:"security_type"`
	Side          string          `json:"side"`
	OrdType       string          `json:"order_type"`
	TimeInForce   string          `json:"time_in_force"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	BrokerOrderID string          `json:"broker_order_id"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error"`
	Reason        Reason          `json:"reason"`
	PushedAt      time.Time       `json:"pushed_at"`
}

type NatsConfig struct {
	URL               string `yaml:"url"`
	StreamName        string `yaml:"stream_name"`
	DeadLetterSubject string `yaml:"dead_letter_subject"`
	AlertSubject      string `yaml:"alert_subject"`
}

// NatsSink publishes dead letters and alerts to JetStream subjects. The
// archive worker persists them; operator tooling subscribes to alerts.
type NatsSink struct {
	cfg *NatsConfig
	nc  *nats.Conn
	js  nats.JetStreamContext
}

func NewNatsSink(cfg *NatsConfig) (*NatsSink, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.DeadLetterSubject, cfg.AlertSubject},
	})

	return &NatsSink{cfg: cfg, nc: nc, js: js}, nil
}

func (s *NatsSink) Push(ctx context.Context, order *model.Order, reason Reason) error {
	rec := &Record{
		OrderID:       order.OrderID,
		Source:        string(order.Source),
		SourceRef:     order.SourceRef,
		Account:       order.Account,
		Symbol:        order.Symbol,
		SecurityType:  string(order.SecurityType),
		Side:          string(order.Side),
		OrdType:       string(order.Type),
		TimeInForce:   string(order.TimeInForce),
		Quantity:      order.Quantity,
		Price:         order.Price,
		BrokerOrderID: order.BrokerOrderID,
		RetryCount:    order.RetryCount,
		LastError:     order.LastError,
		Reason:        reason,
		PushedAt:      time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.js.Publish(s.cfg.DeadLetterSubject, data, nats.Context(ctx))
	return err
}

func (s *NatsSink) Emit(ctx context.Context, alert Alert) error {
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	data, err := json.Marshal(&alert)
	if err != nil {
		return err
	}
	_, err = s.js.Publish(s.cfg.AlertSubject, data, nats.Context(ctx))
	return err
}

func (s *NatsSink) Close() {
	s.nc.Close()
}
