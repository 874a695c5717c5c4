package repo

import (
	"context"
)

type IDeadLetter interface {
	Create(ctx context.Context, record *DeadLetterRecord) (*DeadLetterRecord, error)
	ListBySource(ctx context.Context, source string, limit int) ([]*DeadLetterRecord, error)
}
