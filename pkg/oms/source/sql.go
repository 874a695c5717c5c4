package source

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cw07/omsflow/pkg/oms/model"
)

const sqlBatchSize = 200

// rawOrderRow is a staged order row awaiting pickup.
type rawOrderRow struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	Account      string
	Symbol       string
	SecurityType string
	Side         string
	OrderType    string
	TimeInForce  string
	Quantity     decimal.Decimal `gorm:"type:numeric"`
	Price        *decimal.Decimal
	CreatedAt    time.Time
}

func (rawOrderRow) TableName() string { return "raw_orders" }

// sourceCursor persists the last acknowledged row ID per source so the
// adapter resumes without re-reading processed rows.
type sourceCursor struct {
	Source    string `gorm:"primaryKey;size:32"`
	Position  int64
	UpdatedAt time.Time
}

func (sourceCursor) TableName() string { return "source_cursors" }

type SQLConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// optional processing window over raw_orders.created_at
	StartTime time.Time `yaml:"-"`
	EndTime   time.Time `yaml:"-"`
}

// SQLSource polls a staging table on a fixed cadence, tracking a monotonic
// row-ID cursor.
type SQLSource struct {
	cfg    *SQLConfig
	db     *gorm.DB
	cursor int64
}

func NewSQLSource(db *gorm.DB, cfg *SQLConfig) *SQLSource {
	if cfg.Name == "" {
		cfg.Name = "sql"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &SQLSource{cfg: cfg, db: db}
}

func (s *SQLSource) Name() string           { return s.cfg.Name }
func (s *SQLSource) Kind() model.SourceKind { return model.SourceSQL }

func (s *SQLSource) Run(ctx context.Context, intake chan<- *model.RawOrder) error {
	if err := s.resume(ctx); err != nil {
		return &SourceUnavailableError{Source: s.cfg.Name, Err: err}
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	boff := backoff.NewExponentialBackOff()
	for {
		select {
		case <-ticker.C:
			if err := s.pollOnce(ctx, intake); err != nil {
				wait := boff.NextBackOff()
				if wait == backoff.Stop {
					return &SourceUnavailableError{Source: s.cfg.Name, Err: err}
				}
				zap.S().Warnw("sql source poll failed", "source", s.cfg.Name, "err", err, "backoff", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			boff.Reset()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *SQLSource) resume(ctx context.Context) error {
	var cur sourceCursor
	err := s.db.WithContext(ctx).First(&cur, "source = ?", s.cfg.Name).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	s.cursor = cur.Position
	return nil
}

func (s *SQLSource) pollOnce(ctx context.Context, intake chan<- *model.RawOrder) error {
	q := s.db.WithContext(ctx).Where("id > ?", s.cursor)
	if !s.cfg.StartTime.IsZero() {
		q = q.Where("created_at >= ?", s.cfg.StartTime)
	}
	if !s.cfg.EndTime.IsZero() {
		q = q.Where("created_at < ?", s.cfg.EndTime)
	}

	var rows []rawOrderRow
	if err := q.Order("id asc").Limit(sqlBatchSize).Find(&rows).Error; err != nil {
		return err
	}

	for i := range rows {
		row := &rows[i]
		raw := &model.RawOrder{
			Source: model.SourceSQL,
			Ref:    strconv.FormatInt(row.ID, 10),
			Data:   rowData(row),
		}
		if !push(ctx, intake, raw) {
			return ctx.Err()
		}
		s.cursor = row.ID
	}
	return nil
}

func rowData(row *rawOrderRow) map[string]string {
	data := map[string]string{
		"account":       row.Account,
		"symbol":        row.Symbol,
		"security_type": row.SecurityType,
		"side":          row.Side,
		"order_type":    row.OrderType,
		"time_in_force": row.TimeInForce,
		"quantity":      row.Quantity.String(),
	}
	if row.Price != nil {
		data["price"] = row.Price.String()
	}
	return data
}

// Ack commits the cursor at the acknowledged row, never moving it backwards.
func (s *SQLSource) Ack(ctx context.Context, ref string) error {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"position": gorm.Expr("GREATEST(source_cursors.position, excluded.position)"), "updated_at": time.Now()}),
		}).
		Create(&sourceCursor{Source: s.cfg.Name, Position: id, UpdatedAt: time.Now()}).Error
}

func (s *SQLSource) Close() error { return nil }
