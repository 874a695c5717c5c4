package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cw07/omsflow/pkg/oms/model"
)

// Entry is one append-only record of an order state transition. The sequence
// of entries for an order_id is sufficient to rebuild the order.
type Entry struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	EventID string `gorm:"uniqueIndex;size:64"`
	OrderID string `gorm:"index;size:64"`

	Source       string
	SourceRef    string
	Account      string
	Symbol       string
	SecurityType string
	Side         string
	OrdType      string
	TimeInForce  string
	Quantity     decimal.Decimal `gorm:"type:numeric"`
	Price        decimal.Decimal `gorm:"type:numeric"`
	HasPrice     bool

	Status        string
	BrokerOrderID string
	FilledQty     decimal.Decimal `gorm:"type:numeric"`
	RetryCount    int
	LastError     string

	CreatedAt time.Time
}

func (Entry) TableName() string { return "order_events" }

// NewEntry snapshots an order at a transition. The copy is taken under the
// order's lock so a concurrent monitor poll cannot tear the record.
func NewEntry(o *model.Order, ts time.Time) *Entry {
	o = o.Snapshot()
	return &Entry{
		EventID:       uuid.NewString(),
		OrderID:       o.OrderID,
		Source:        string(o.Source),
		SourceRef:     o.SourceRef,
		Account:       o.Account,
		Symbol:        o.Symbol,
		SecurityType:  string(o.SecurityType),
		Side:          string(o.Side),
		OrdType:       string(o.Type),
		TimeInForce:   string(o.TimeInForce),
		Quantity:      o.Quantity,
		Price:         o.Price,
		HasPrice:      o.HasPrice,
		Status:        string(o.Status),
		BrokerOrderID: o.BrokerOrderID,
		FilledQty:     o.FilledQty,
		RetryCount:    o.RetryCount,
		LastError:     o.LastError,
		CreatedAt:     ts,
	}
}

// Order reconstructs the order as of this entry.
func (e *Entry) Order() *model.Order {
	return &model.Order{
		OrderID:       e.OrderID,
		Source:        model.SourceKind(e.Source),
		SourceRef:     e.SourceRef,
		Account:       e.Account,
		Symbol:        e.Symbol,
		SecurityType:  model.SecurityType(e.SecurityType),
		Side:          model.OrderSide(e.Side),
		Type:          model.OrderType(e.OrdType),
		TimeInForce:   model.TimeInForce(e.TimeInForce),
		Quantity:      e.Quantity,
		Price:         e.Price,
		HasPrice:      e.HasPrice,
		Status:        model.OrderStatus(e.Status),
		BrokerOrderID: e.BrokerOrderID,
		FilledQty:     e.FilledQty,
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.CreatedAt,
	}
}

// Journal is the append-only order log written on every state transition and
// replayed on restart to rebuild the order index.
type Journal interface {
	Append(ctx context.Context, e *Entry) error
	Replay(ctx context.Context, fn func(e *Entry) error) error
}

type InMemoryJournal struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{}
}

func (j *InMemoryJournal) Append(_ context.Context, e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e.ID = int64(len(j.entries) + 1)
	j.entries = append(j.entries, e)
	return nil
}

func (j *InMemoryJournal) Replay(_ context.Context, fn func(e *Entry) error) error {
	j.mu.RLock()
	entries := make([]*Entry, len(j.entries))
	copy(entries, j.entries)
	j.mu.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (j *InMemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}
