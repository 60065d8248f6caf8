package services

import (
	"context"
	"errors"
	"time"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
	"github.com/Marketen/credentials-indexer/internal/application/ports"
	"github.com/Marketen/credentials-indexer/internal/logger"
	"github.com/Marketen/credentials-indexer/internal/metrics"
)

const (
	DefaultPollInterval   = 12 * time.Second
	DefaultFetchAttempts  = 3
	DefaultAttemptTimeout = 8 * time.Second
	DefaultRetryBackoff   = 2 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
)

var errNilBlock = errors.New("beacon node returned no block")

// MonitorOptions tunes the scheduling and retry behaviour. Zero values take the defaults.
type MonitorOptions struct {
	PollInterval   time.Duration
	FetchAttempts  int
	AttemptTimeout time.Duration
	RetryBackoff   time.Duration
	WriteTimeout   time.Duration
}

func (o MonitorOptions) withDefaults() MonitorOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FetchAttempts <= 0 {
		o.FetchAttempts = DefaultFetchAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// CredentialMonitor polls the head block and records every credential change
// it carries, exactly once per advanced slot.
type CredentialMonitor struct {
	BeaconAdapter ports.BeaconChainAdapter
	Repository    ports.CredentialChangeRepository
	Metrics       *metrics.Metrics
	Options       MonitorOptions

	// Pipeline state. Only touched from the goroutine running Run.
	lastSlot    domain.Slot
	initialized bool

	// sleep waits between fetch attempts; swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewCredentialMonitor constructs a CredentialMonitor with dependencies injected.
func NewCredentialMonitor(
	beacon ports.BeaconChainAdapter,
	repo ports.CredentialChangeRepository,
	m *metrics.Metrics,
	opts MonitorOptions,
) *CredentialMonitor {
	return &CredentialMonitor{
		BeaconAdapter: beacon,
		Repository:    repo,
		Metrics:       m,
		Options:       opts.withDefaults(),
		sleep:         sleepCtx,
	}
}

// Run ticks once immediately and then every PollInterval until ctx is done.
// Ticks run on this goroutine, so a slow tick delays the next one instead of
// overlapping it; the ticker drops the firings it missed meanwhile.
func (a *CredentialMonitor) Run(ctx context.Context) {
	logger.Info("Starting credential change monitor (poll interval %s)", a.Options.PollInterval)

	a.Tick(ctx)

	ticker := time.NewTicker(a.Options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-ctx.Done():
			logger.Info("Credential change monitor stopped at slot %d", a.lastSlot)
			return
		}
	}
}

// Tick runs one fetch-advance-persist pass. Every failure is logged and absorbed.
func (a *CredentialMonitor) Tick(ctx context.Context) {
	block, ok := a.fetchHeadBlock(ctx)
	if !ok {
		return
	}
	a.advance(ctx, block)
}

// LastSlot reports the in-memory progress marker and whether it has been seeded.
func (a *CredentialMonitor) LastSlot() (domain.Slot, bool) {
	return a.lastSlot, a.initialized
}

// fetchHeadBlock tries up to FetchAttempts times, waiting a fixed RetryBackoff
// between attempts.
func (a *CredentialMonitor) fetchHeadBlock(ctx context.Context) (*domain.HeadBlock, bool) {
	var lastErr error
	for attempt := 1; attempt <= a.Options.FetchAttempts; attempt++ {
		logger.Debug("Fetching head block (attempt %d/%d)", attempt, a.Options.FetchAttempts)

		attemptCtx, cancel := context.WithTimeout(ctx, a.Options.AttemptTimeout)
		block, err := a.BeaconAdapter.GetHeadBlock(attemptCtx)
		cancel()

		if err == nil && block != nil {
			a.Metrics.ObserveFetch(true)
			return block, true
		}
		if err == nil {
			err = errNilBlock
		}
		lastErr = err

		a.Metrics.ObserveFetch(false)
		logger.Warn("Head block fetch failed (attempt %d/%d): %v", attempt, a.Options.FetchAttempts, err)

		if attempt == a.Options.FetchAttempts {
			break
		}
		if !a.sleep(ctx, a.Options.RetryBackoff) {
			logger.Warn("Fetch retry interrupted: %v", ctx.Err())
			return nil, false
		}
	}

	logger.Error("Head block fetch failed after %d attempts: %v", a.Options.FetchAttempts, lastErr)
	return nil, false
}

// advance decides whether block is new progress. On the first call after start
// the in-memory marker is seeded from the repository, or from slot-1 when
// nothing was ever recorded so that the first observed head is only a baseline.
func (a *CredentialMonitor) advance(ctx context.Context, block *domain.HeadBlock) {
	if !a.initialized {
		stored, found, err := a.Repository.LastProcessedSlot(ctx)
		if err != nil {
			logger.Error("Error reading last processed slot: %v", err)
			return
		}
		if found {
			a.lastSlot = stored
			logger.Info("Resuming from last processed slot %d", stored)
		} else {
			a.lastSlot = baselineSlot(block.Slot)
			logger.Info("No progress marker stored; using slot %d as baseline", block.Slot)
		}
		a.initialized = true
	}

	if block.Slot <= a.lastSlot {
		logger.Debug("Head slot %d already processed (last %d), skipping.", block.Slot, a.lastSlot)
		return
	}

	if block.Slot > a.lastSlot+1 {
		logger.Debug("Head jumped from slot %d to %d; intermediate slots are not scanned.", a.lastSlot, block.Slot)
	}
	a.persist(ctx, block)
}

// persist records block's credential changes and the new marker in one unit of
// work. The in-memory marker moves only once the store has committed, so a
// failed write leaves the slot to be retried on the next tick.
func (a *CredentialMonitor) persist(ctx context.Context, block *domain.HeadBlock) {
	log := logger.With().Uint64("slot", uint64(block.Slot)).Logger()
	log.Info().Msg("🧩 New block found!")

	events := make([]domain.CredentialChangeEvent, 0, len(block.CredentialChanges))
	for _, change := range block.CredentialChanges {
		events = append(events, domain.NewCredentialChangeEvent(block.Slot, change))
	}
	if len(events) > 0 {
		log.Info().Int("count", len(events)).Msg("Found credential change event(s)!")
	}

	// A shutdown signal must not abort the transaction halfway.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Options.WriteTimeout)
	defer cancel()

	saved, err := a.Repository.RecordSlot(writeCtx, block.Slot, events)
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist slot; will retry on next tick")
		return
	}

	a.lastSlot = block.Slot
	for _, ev := range saved {
		a.Metrics.IncEventsDetected()
		log.Info().
			Int64("record_id", ev.ID).
			Uint64("validator_index", uint64(ev.SourceValidatorIndex)).
			Msg("Saved event to database!")
	}
}

// baselineSlot is the marker used on a fresh deployment: one behind the first
// observed head, saturating at zero.
func baselineSlot(head domain.Slot) domain.Slot {
	if head == 0 {
		return 0
	}
	return head - 1
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
