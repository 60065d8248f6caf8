package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
	"github.com/Marketen/credentials-indexer/internal/metrics"
)

var errUnavailable = errors.New("unavailable")

// fakeBeacon serves scripted head blocks. Each call pops the next response;
// once the script is exhausted the last response repeats.
type fakeBeacon struct {
	mu        sync.Mutex
	responses []beaconResponse
	calls     int

	pending    []domain.PendingConsolidation
	pendingErr error
}

type beaconResponse struct {
	block *domain.HeadBlock
	err   error
}

func (f *fakeBeacon) script(responses ...beaconResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

func (f *fakeBeacon) GetHeadBlock(_ context.Context) (*domain.HeadBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return nil, errUnavailable
	}
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return r.block, r.err
}

func (f *fakeBeacon) GetPendingConsolidations(_ context.Context) ([]domain.PendingConsolidation, error) {
	return f.pending, f.pendingErr
}

func (f *fakeBeacon) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRepository is an in-memory CredentialChangeRepository with the same
// all-or-nothing semantics as the Postgres one.
type fakeRepository struct {
	mu       sync.Mutex
	marker   *domain.Slot
	events   []domain.CredentialChangeEvent
	nextID   int64
	readErr  error
	writeErr error
	writes   int

	// state of the context RecordSlot was last called with, captured during the call
	writeCtxErr      error
	writeHadDeadline bool
}

func (r *fakeRepository) LastProcessedSlot(_ context.Context) (domain.Slot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return 0, false, r.readErr
	}
	if r.marker == nil {
		return 0, false, nil
	}
	return *r.marker, true, nil
}

func (r *fakeRepository) RecordSlot(ctx context.Context, slot domain.Slot, events []domain.CredentialChangeEvent) ([]domain.CredentialChangeEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.writeCtxErr = ctx.Err()
	_, r.writeHadDeadline = ctx.Deadline()
	if r.writeErr != nil {
		return nil, r.writeErr
	}
	saved := make([]domain.CredentialChangeEvent, 0, len(events))
	for _, ev := range events {
		r.nextID++
		ev.ID = r.nextID
		ev.CreatedAt = time.Now()
		saved = append(saved, ev)
	}
	r.events = append(r.events, saved...)
	s := slot
	r.marker = &s
	return saved, nil
}

func (r *fakeRepository) setMarker(s domain.Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marker = &s
}

func (r *fakeRepository) storedMarker() (domain.Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marker == nil {
		return 0, false
	}
	return *r.marker, true
}

func (r *fakeRepository) storedEvents() []domain.CredentialChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CredentialChangeEvent(nil), r.events...)
}

func (r *fakeRepository) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func newTestMetrics(t *testing.T) (*metrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	return m, reg
}

// metricValue returns the value of the series name{labels} in reg, or 0 if absent.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func block(slot domain.Slot, validators ...domain.ValidatorIndex) *domain.HeadBlock {
	b := &domain.HeadBlock{Slot: slot}
	for _, v := range validators {
		b.CredentialChanges = append(b.CredentialChanges, domain.CredentialChange{ValidatorIndex: v})
	}
	return b
}

func ok(b *domain.HeadBlock) beaconResponse { return beaconResponse{block: b} }

func fail(err error) beaconResponse { return beaconResponse{err: err} }
