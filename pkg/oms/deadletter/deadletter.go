package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/cw07/omsflow/pkg/oms/model"
)

// Reason explains why an order was dead-lettered.
type Reason struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

const (
	ReasonParseFailure    = "parse_failure"
	ReasonMappingFault    = "mapping_fault"
	ReasonRetryExhaustion = "retry_exhaustion"
)

func NewReason(kind string, err error) Reason {
	r := Reason{Kind: kind, At: time.Now()}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

// Alert is an operator notification.
type Alert struct {
	Severity string    `json:"severity"`
	Subject  string    `json:"subject"`
	Detail   string    `json:"detail"`
	At       time.Time `json:"at"`
}

// Sink receives orders that cannot be processed further. Storage and
// delivery are external; the engine only decides when to invoke it.
type Sink interface {
	Push(ctx context.Context, order *model.Order, reason Reason) error
	Emit(ctx context.Context, alert Alert) error
}

// MemorySink collects pushes and alerts in memory.
type MemorySink struct {
	mu     sync.Mutex
	orders []*model.Order
	reason []Reason
	alerts []Alert
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Push(_ context.Context, order *model.Order, reason Reason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order)
	s.reason = append(s.reason, reason)
	return nil
}

func (s *MemorySink) Emit(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *MemorySink) Pushed() []*model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Order, len(s.orders))
	copy(out, s.orders)
	return out
}

func (s *MemorySink) Reasons() []Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reason, len(s.reason))
	copy(out, s.reason)
	return out
}

func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
