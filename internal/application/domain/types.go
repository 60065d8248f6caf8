package domain

import "time"

// Basic consensus types
type Epoch uint64
type Slot uint64
type ValidatorIndex uint64

// SlotsPerEpoch is the Ethereum consensus constant.
const SlotsPerEpoch = Slot(32)

// EpochAtSlot returns the epoch containing slot.
func EpochAtSlot(slot Slot) Epoch {
	return Epoch(slot / SlotsPerEpoch)
}

// EventStatus tags the lifecycle of a stored credential-change record.
type EventStatus string

// StatusCredentialChangeDetected is the only status this service writes.
// Later transitions belong to whoever consumes the records.
const StatusCredentialChangeDetected EventStatus = "credential_change_detected"

// CredentialChange is one bls_to_execution_changes entry of a block body.
type CredentialChange struct {
	ValidatorIndex ValidatorIndex
}

// HeadBlock is the subset of the head block we need: its slot and the
// credential changes carried in its body.
type HeadBlock struct {
	Slot              Slot
	CredentialChanges []CredentialChange
}

// CredentialChangeEvent is a detected credential change, stored with the
// consolidation-request record shape. Source and target are both the
// validator whose withdrawal credentials changed.
type CredentialChangeEvent struct {
	ID                   int64          `json:"id"`
	SourceValidatorIndex ValidatorIndex `json:"sourceValidatorIndex"`
	TargetValidatorIndex ValidatorIndex `json:"targetValidatorIndex"`
	DetectionEpoch       Epoch          `json:"detectionEpoch"`
	Status               EventStatus    `json:"status"`
	CreatedAt            time.Time      `json:"createdAt"`
}

// NewCredentialChangeEvent builds the record for a change detected at slot.
func NewCredentialChangeEvent(slot Slot, change CredentialChange) CredentialChangeEvent {
	return CredentialChangeEvent{
		SourceValidatorIndex: change.ValidatorIndex,
		TargetValidatorIndex: change.ValidatorIndex,
		DetectionEpoch:       EpochAtSlot(slot),
		Status:               StatusCredentialChangeDetected,
	}
}

// PendingConsolidation is one entry of the beacon state's pending
// consolidation queue.
type PendingConsolidation struct {
	SourceIndex ValidatorIndex `json:"source_index,string"`
	TargetIndex ValidatorIndex `json:"target_index,string"`
}

// QueueStats summarizes the pending consolidation queue.
type QueueStats struct {
	QueueLength          int
	EstimatedWaitMinutes float64
	ChurnRatePerDay      float64
}
