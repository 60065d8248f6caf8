package services

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
)

type monitorHarness struct {
	monitor *CredentialMonitor
	beacon  *fakeBeacon
	repo    *fakeRepository
	reg     *prometheus.Registry
	sleeps  []time.Duration
}

func newHarness(t *testing.T) *monitorHarness {
	t.Helper()
	m, reg := newTestMetrics(t)
	h := &monitorHarness{beacon: &fakeBeacon{}, repo: &fakeRepository{}, reg: reg}
	h.monitor = NewCredentialMonitor(h.beacon, h.repo, m, MonitorOptions{})
	h.monitor.sleep = func(ctx context.Context, d time.Duration) bool {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err() == nil
	}
	return h
}

func (h *monitorHarness) fetches(t *testing.T, status string) float64 {
	return metricValue(t, h.reg, "beacon_api_fetches_total", map[string]string{"status": status})
}

func (h *monitorHarness) detected(t *testing.T) float64 {
	return metricValue(t, h.reg, "validator_events_detected_total", nil)
}

func TestMonitorOptions_Defaults(t *testing.T) {
	opts := MonitorOptions{}.withDefaults()
	assert.Equal(t, 12*time.Second, opts.PollInterval)
	assert.Equal(t, 3, opts.FetchAttempts)
	assert.Equal(t, 8*time.Second, opts.AttemptTimeout)
	assert.Equal(t, 2*time.Second, opts.RetryBackoff)
}

func TestTick_ColdStartNoMarkerProcessesNextSlot(t *testing.T) {
	h := newHarness(t)
	h.beacon.script(ok(block(100, 42)))

	h.monitor.Tick(context.Background())

	marker, found := h.repo.storedMarker()
	require.True(t, found)
	assert.Equal(t, domain.Slot(100), marker)

	events := h.repo.storedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.ValidatorIndex(42), events[0].SourceValidatorIndex)
	assert.Equal(t, domain.ValidatorIndex(42), events[0].TargetValidatorIndex)
	assert.Equal(t, domain.Epoch(3), events[0].DetectionEpoch)
	assert.Equal(t, domain.StatusCredentialChangeDetected, events[0].Status)

	assert.Equal(t, 1.0, h.detected(t))
	assert.Equal(t, 1.0, h.fetches(t, "success"))

	last, initialized := h.monitor.LastSlot()
	assert.True(t, initialized)
	assert.Equal(t, domain.Slot(100), last)
}

func TestTick_ColdStartBaselineIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	// First observed slot S0 becomes the baseline S0-1, so S0 itself is new progress
	// exactly once; the same head observed again produces nothing.
	h.beacon.script(ok(block(50, 7)), ok(block(50, 7)))

	h.monitor.Tick(context.Background())
	h.monitor.Tick(context.Background())

	assert.Len(t, h.repo.storedEvents(), 1)
	assert.Equal(t, 1, h.repo.writeCount())
}

func TestTick_ColdStartWithExistingMarker(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(90)
	h.beacon.script(ok(block(95, 1, 2)))

	h.monitor.Tick(context.Background())

	marker, _ := h.repo.storedMarker()
	assert.Equal(t, domain.Slot(95), marker)
	assert.Len(t, h.repo.storedEvents(), 2)
	assert.Equal(t, 2.0, h.detected(t))
}

func TestTick_ColdStartMarkerAheadOfHead(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(200)
	h.beacon.script(ok(block(150, 1)))

	h.monitor.Tick(context.Background())

	marker, _ := h.repo.storedMarker()
	assert.Equal(t, domain.Slot(200), marker)
	assert.Empty(t, h.repo.storedEvents())
	assert.Zero(t, h.repo.writeCount())
}

func TestTick_IncreasingSlotsWithGaps(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(9)
	h.beacon.script(
		ok(block(10, 1)),
		ok(block(11)),
		ok(block(15, 2, 3)), // slots 12-14 skipped, never scanned
		ok(block(40, 4)),
	)

	for i := 0; i < 4; i++ {
		h.monitor.Tick(context.Background())
	}

	marker, _ := h.repo.storedMarker()
	assert.Equal(t, domain.Slot(40), marker)

	events := h.repo.storedEvents()
	require.Len(t, events, 4)
	got := make([]domain.ValidatorIndex, 0, len(events))
	for _, ev := range events {
		got = append(got, ev.SourceValidatorIndex)
	}
	assert.Equal(t, []domain.ValidatorIndex{1, 2, 3, 4}, got)
	assert.Equal(t, domain.Epoch(0), events[0].DetectionEpoch)
	assert.Equal(t, domain.Epoch(1), events[3].DetectionEpoch)
	assert.Equal(t, 4, h.repo.writeCount(), "empty slot 11 still advances the marker")
}

func TestTick_RepeatedSlotIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(299)
	h.beacon.script(ok(block(300, 5)), ok(block(300, 5)), ok(block(299, 5)))

	for i := 0; i < 3; i++ {
		h.monitor.Tick(context.Background())
	}

	assert.Len(t, h.repo.storedEvents(), 1)
	assert.Equal(t, 1, h.repo.writeCount())
	marker, _ := h.repo.storedMarker()
	assert.Equal(t, domain.Slot(300), marker)
}

func TestTick_EpochDerivation(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(318)
	h.beacon.script(ok(block(319, 1)), ok(block(320, 2)))

	h.monitor.Tick(context.Background())
	h.monitor.Tick(context.Background())

	events := h.repo.storedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, domain.Epoch(9), events[0].DetectionEpoch)
	assert.Equal(t, domain.Epoch(10), events[1].DetectionEpoch)
}

func TestTick_RetryBoundOnPermanentFailure(t *testing.T) {
	h := newHarness(t)
	h.beacon.script(fail(errUnavailable))

	h.monitor.Tick(context.Background())

	assert.Equal(t, 3, h.beacon.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)
	assert.Equal(t, 3.0, h.fetches(t, "failure"))
	assert.Equal(t, 0.0, h.fetches(t, "success"))
	assert.Zero(t, h.repo.writeCount())
	_, initialized := h.monitor.LastSlot()
	assert.False(t, initialized)
}

func TestTick_RecoversWithinRetries(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(10)
	h.beacon.script(fail(errUnavailable), ok(nil), ok(block(11, 8)))

	h.monitor.Tick(context.Background())

	assert.Equal(t, 3, h.beacon.callCount())
	assert.Equal(t, 2.0, h.fetches(t, "failure"), "nil block counts as a failed fetch")
	assert.Equal(t, 1.0, h.fetches(t, "success"))
	assert.Len(t, h.repo.storedEvents(), 1)
}

func TestTick_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.beacon.script(fail(errUnavailable))
	ctx, cancel := context.WithCancel(context.Background())
	h.monitor.sleep = func(context.Context, time.Duration) bool {
		cancel()
		return false
	}

	h.monitor.Tick(ctx)

	assert.Equal(t, 1, h.beacon.callCount())
}

func TestTick_MarkerReadFailureKeepsMonitorUnseeded(t *testing.T) {
	h := newHarness(t)
	h.repo.readErr = errUnavailable
	h.beacon.script(ok(block(100, 1)))

	h.monitor.Tick(context.Background())

	_, initialized := h.monitor.LastSlot()
	assert.False(t, initialized)
	assert.Zero(t, h.repo.writeCount())

	h.repo.readErr = nil
	h.repo.setMarker(99)
	h.monitor.Tick(context.Background())
	assert.Len(t, h.repo.storedEvents(), 1)
}

func TestTick_PersistFailureDoesNotAdvanceCache(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(99)
	h.repo.writeErr = errUnavailable
	h.beacon.script(ok(block(100, 42)))

	h.monitor.Tick(context.Background())

	last, _ := h.monitor.LastSlot()
	assert.Equal(t, domain.Slot(99), last)
	marker, _ := h.repo.storedMarker()
	assert.Equal(t, domain.Slot(99), marker)
	assert.Empty(t, h.repo.storedEvents())
	assert.Equal(t, 0.0, h.detected(t))

	// Store comes back: the same head is processed on the next tick.
	h.repo.writeErr = nil
	h.monitor.Tick(context.Background())

	marker, _ = h.repo.storedMarker()
	assert.Equal(t, domain.Slot(100), marker)
	assert.Len(t, h.repo.storedEvents(), 1)
	assert.Equal(t, 1.0, h.detected(t))
}

func TestTick_WriteSurvivesCancellation(t *testing.T) {
	h := newHarness(t)
	h.repo.setMarker(99)
	h.beacon.script(ok(block(100, 1)))

	// The fakes ignore ctx, so the tick reaches the write with an already
	// cancelled parent, as it would when a signal lands mid-tick.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.monitor.Tick(ctx)

	assert.Equal(t, 1, h.repo.writeCount())
	assert.NoError(t, h.repo.writeCtxErr, "write context is detached from the caller's cancellation")
	assert.True(t, h.repo.writeHadDeadline)
	assert.Len(t, h.repo.storedEvents(), 1)
}

func TestRun_TicksImmediatelyAndStops(t *testing.T) {
	h := newHarness(t)
	h.monitor.Options.PollInterval = time.Hour
	h.repo.setMarker(1)
	h.beacon.script(ok(block(2, 3)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.repo.writeCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for monitor to exit")
	}
	assert.Equal(t, 1, h.beacon.callCount())
}

func TestRun_TicksOnInterval(t *testing.T) {
	h := newHarness(t)
	h.monitor.Options.PollInterval = 10 * time.Millisecond
	h.repo.setMarker(1)
	h.beacon.script(ok(block(2)), ok(block(3)), ok(block(4)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.monitor.Run(ctx)

	require.Eventually(t, func() bool {
		marker, _ := h.repo.storedMarker()
		return marker == 4
	}, time.Second, 5*time.Millisecond)
}

func TestBaselineSlot(t *testing.T) {
	assert.Equal(t, domain.Slot(0), baselineSlot(0))
	assert.Equal(t, domain.Slot(0), baselineSlot(1))
	assert.Equal(t, domain.Slot(99), baselineSlot(100))
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
}
