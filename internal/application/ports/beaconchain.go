package ports

import (
	"context"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
)

// BeaconChainAdapter is the hexagonal port for accessing beacon chain data.
// The monitor depends only on this interface, not on any concrete client.
type BeaconChainAdapter interface {
	// GetHeadBlock returns the slot and credential changes of the current head block.
	GetHeadBlock(ctx context.Context) (*domain.HeadBlock, error)

	// GetPendingConsolidations returns the head state's pending consolidation queue.
	GetPendingConsolidations(ctx context.Context) ([]domain.PendingConsolidation, error)
}
