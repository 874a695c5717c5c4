package journal

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLJournal persists entries to the order_events table. Appends are
// idempotent on event_id so a replayed write after a crash is harmless.
type SQLJournal struct {
	db *gorm.DB
}

func NewSQLJournal(db *gorm.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

func (j *SQLJournal) dbWithContext(ctx context.Context) *gorm.DB {
	return j.db.WithContext(ctx)
}

func (j *SQLJournal) Append(ctx context.Context, e *Entry) error {
	return j.dbWithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(e).Error
}

func (j *SQLJournal) Replay(ctx context.Context, fn func(e *Entry) error) error {
	rows, err := j.dbWithContext(ctx).Model(&Entry{}).Order("id asc").Rows()
	if err != nil {
		return err
	}
	defer rows.Close() // nolint

	for rows.Next() {
		var e Entry
		if err := j.db.ScanRows(rows, &e); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return rows.Err()
}
