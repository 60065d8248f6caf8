package adapters

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
	"github.com/Marketen/credentials-indexer/internal/application/ports"

	"github.com/attestantio/go-eth2-client/api"
	eth2http "github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/electra"
	"github.com/rs/zerolog"
)

// requestTimeout bounds a single beacon API request.
const requestTimeout = 8 * time.Second

var errEmptyResponse = errors.New("empty response from beacon node")

// beaconHTTPClient implements ports.BeaconChainAdapter using go-eth2-client.
type beaconHTTPClient struct {
	// baseCtx outlives individual requests; go-eth2-client ties its background
	// connection checks to the context given to eth2http.New.
	baseCtx    context.Context
	address    string
	httpClient *nethttp.Client

	mu     sync.Mutex
	client *eth2http.Service
}

// NewBeaconHTTPAdapter is the constructor used from main.go. The go-eth2-client
// service is created on first use, so an unreachable node at startup only fails
// the first fetch rather than the process.
func NewBeaconHTTPAdapter(ctx context.Context, endpoint string) (ports.BeaconChainAdapter, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("beacon node endpoint is required")
	}
	return &beaconHTTPClient{
		baseCtx:    ctx,
		address:    endpoint,
		httpClient: &nethttp.Client{Timeout: 2 * requestTimeout},
	}, nil
}

func (b *beaconHTTPClient) service() (*eth2http.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}

	client, err := eth2http.New(
		b.baseCtx,
		eth2http.WithAddress(b.address),
		eth2http.WithHTTPClient(b.httpClient),
		eth2http.WithTimeout(requestTimeout),
		// Silence go-eth2-client logs unless they are warnings+.
		eth2http.WithLogLevel(zerolog.WarnLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to beacon node: %w", err)
	}
	b.client = client.(*eth2http.Service)
	return b.client, nil
}

// GetHeadBlock returns the slot and credential changes of the current head block.
func (b *beaconHTTPClient) GetHeadBlock(ctx context.Context) (*domain.HeadBlock, error) {
	svc, err := b.service()
	if err != nil {
		return nil, err
	}

	resp, err := svc.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{Block: "head"})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Data == nil {
		return nil, errEmptyResponse
	}
	return headBlockFromVersioned(resp.Data)
}

// headBlockFromVersioned maps a versioned block onto domain.HeadBlock.
//
// We:
//   - return no changes for pre-Capella forks, which have no bls_to_execution_changes
//   - treat any shape we cannot read as a malformed payload
func headBlockFromVersioned(block *spec.VersionedSignedBeaconBlock) (*domain.HeadBlock, error) {
	slot, err := block.Slot()
	if err != nil {
		return nil, fmt.Errorf("malformed head block: %w", err)
	}

	var changes []*capella.SignedBLSToExecutionChange
	switch block.Version {
	case spec.DataVersionPhase0, spec.DataVersionAltair, spec.DataVersionBellatrix:
	case spec.DataVersionCapella:
		if block.Capella.Message.Body == nil {
			return nil, errors.New("malformed head block: no capella body")
		}
		changes = block.Capella.Message.Body.BLSToExecutionChanges
	case spec.DataVersionDeneb:
		if block.Deneb.Message.Body == nil {
			return nil, errors.New("malformed head block: no deneb body")
		}
		changes = block.Deneb.Message.Body.BLSToExecutionChanges
	case spec.DataVersionElectra:
		if block.Electra.Message.Body == nil {
			return nil, errors.New("malformed head block: no electra body")
		}
		changes = block.Electra.Message.Body.BLSToExecutionChanges
	case spec.DataVersionFulu:
		if block.Fulu.Message.Body == nil {
			return nil, errors.New("malformed head block: no fulu body")
		}
		changes = block.Fulu.Message.Body.BLSToExecutionChanges
	default:
		return nil, fmt.Errorf("unsupported head block version %s", block.Version)
	}

	head := &domain.HeadBlock{
		Slot:              domain.Slot(slot),
		CredentialChanges: make([]domain.CredentialChange, 0, len(changes)),
	}
	for i, change := range changes {
		if change == nil || change.Message == nil {
			return nil, fmt.Errorf("malformed head block: bls_to_execution_changes[%d] has no message", i)
		}
		head.CredentialChanges = append(head.CredentialChanges, domain.CredentialChange{
			ValidatorIndex: domain.ValidatorIndex(change.Message.ValidatorIndex),
		})
	}
	return head, nil
}

// GetPendingConsolidations returns the head state's pending consolidation queue.
func (b *beaconHTTPClient) GetPendingConsolidations(ctx context.Context) ([]domain.PendingConsolidation, error) {
	svc, err := b.service()
	if err != nil {
		return nil, err
	}

	resp, err := svc.PendingConsolidations(ctx, &api.PendingConsolidationsOpts{State: "head"})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errEmptyResponse
	}
	return pendingConsolidationsFromResponse(resp.Data), nil
}

func pendingConsolidationsFromResponse(data []*electra.PendingConsolidation) []domain.PendingConsolidation {
	out := make([]domain.PendingConsolidation, 0, len(data))
	for _, pc := range data {
		if pc == nil {
			continue
		}
		out = append(out, domain.PendingConsolidation{
			SourceIndex: domain.ValidatorIndex(pc.SourceIndex),
			TargetIndex: domain.ValidatorIndex(pc.TargetIndex),
		})
	}
	return out
}
