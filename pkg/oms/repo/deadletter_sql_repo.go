package repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeadLetterRecord is the archived form of a dead-lettered order.
type DeadLetterRecord struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	OrderID       string `gorm:"index;size:64"`
	Source        string
	SourceRef     string
	Account       string
	Symbol        string
	SecurityType  string
	Side          string
	OrdType       string
	TimeInForce   string
	Quantity      decimal.Decimal `gorm:"type:numeric"`
	Price         decimal.Decimal `gorm:"type:numeric"`
	BrokerOrderID string
	RetryCount    int
	LastError     string
	ReasonKind    string `gorm:"index"`
	ReasonDetail  string
	PushedAt      time.Time
	CreatedAt     time.Time
}

func (DeadLetterRecord) TableName() string { return "dead_letters" }

type DeadLetterSQLRepo struct {
	db *gorm.DB
}

func NewDeadLetterSQLRepo(db *gorm.DB) *DeadLetterSQLRepo {
	return &DeadLetterSQLRepo{
		db: db,
	}
}

func (r *DeadLetterSQLRepo) dbWithContext(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *DeadLetterSQLRepo) Create(ctx context.Context, record *DeadLetterRecord) (*DeadLetterRecord, error) {
	// a redelivered record for the same order and reason is a no-op
	return record, r.dbWithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "reason_kind"}},
			DoNothing: true,
		}).
		Create(record).Error
}

func (r *DeadLetterSQLRepo) ListBySource(ctx context.Context, source string, limit int) ([]*DeadLetterRecord, error) {
	var out []*DeadLetterRecord
	q := r.dbWithContext(ctx).Where("source = ?", source).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}
