package ports

import (
	"context"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
)

// CredentialChangeRepository is the durable side of the monitor: the progress
// marker plus the append-only event records.
type CredentialChangeRepository interface {
	// LastProcessedSlot returns the stored progress marker. found is false when
	// no slot was ever recorded.
	LastProcessedSlot(ctx context.Context) (slot domain.Slot, found bool, err error)

	// RecordSlot inserts events and moves the progress marker to slot in a single
	// transaction. It returns the events as stored, with ID and CreatedAt set.
	RecordSlot(ctx context.Context, slot domain.Slot, events []domain.CredentialChangeEvent) ([]domain.CredentialChangeEvent, error)
}

// HistoryReader is the read-only view used by the query API.
type HistoryReader interface {
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	LastProcessedSlot(ctx context.Context) (slot domain.Slot, found bool, err error)

	// ValidatorHistory returns every event naming index as source or target, newest first.
	ValidatorHistory(ctx context.Context, index domain.ValidatorIndex) ([]domain.CredentialChangeEvent, error)
}
