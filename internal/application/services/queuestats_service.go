package services

import (
	"context"
	"fmt"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
	"github.com/Marketen/credentials-indexer/internal/application/ports"
	"github.com/Marketen/credentials-indexer/internal/logger"
	"github.com/Marketen/credentials-indexer/internal/metrics"
)

const (
	// ChurnLimitPerEpoch is the consolidation churn assumed for wait estimates.
	ChurnLimitPerEpoch = 8
	EpochTimeMinutes   = 6.4
	minutesPerDay      = 1440
)

// QueueStatsService derives queue statistics from the node's pending
// consolidation list and keeps the active queue gauge current.
type QueueStatsService struct {
	BeaconAdapter ports.BeaconChainAdapter
	Metrics       *metrics.Metrics
}

func NewQueueStatsService(beacon ports.BeaconChainAdapter, m *metrics.Metrics) *QueueStatsService {
	return &QueueStatsService{BeaconAdapter: beacon, Metrics: m}
}

// ActiveConsolidations returns the pending consolidation queue as the node reports it.
func (q *QueueStatsService) ActiveConsolidations(ctx context.Context) ([]domain.PendingConsolidation, error) {
	pending, err := q.BeaconAdapter.GetPendingConsolidations(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch pending consolidations: %w", err)
	}
	return pending, nil
}

// Stats fetches the queue and computes its length, estimated wait and daily churn.
func (q *QueueStatsService) Stats(ctx context.Context) (domain.QueueStats, error) {
	pending, err := q.ActiveConsolidations(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	q.Metrics.SetActiveQueueLength(len(pending))
	return ComputeQueueStats(len(pending)), nil
}

// Refresh updates the active queue gauge. Errors are logged, not returned, so
// it can run as a background job.
func (q *QueueStatsService) Refresh(ctx context.Context) {
	if _, err := q.Stats(ctx); err != nil {
		logger.Warn("Could not refresh consolidation queue gauge: %v", err)
	}
}

// ComputeQueueStats derives the wait estimate for a queue of the given length.
func ComputeQueueStats(queueLength int) domain.QueueStats {
	return domain.QueueStats{
		QueueLength:          queueLength,
		EstimatedWaitMinutes: float64(queueLength) / ChurnLimitPerEpoch * EpochTimeMinutes,
		ChurnRatePerDay:      ChurnLimitPerEpoch * (minutesPerDay / EpochTimeMinutes),
	}
}
