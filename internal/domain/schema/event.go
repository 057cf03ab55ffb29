// Package schema defines the domain events received from the host and the messages handed to the broker.
package schema

import (
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/coachpo/geyserpub/errs"
)

// ProgramID identifies the on-chain program owning an account.
type ProgramID = solana.PublicKey

// EventType labels the two streams the pipeline publishes.
type EventType string

const (
	// EventTypeAccountUpdate designates account write notifications.
	EventTypeAccountUpdate EventType = "account_update"
	// EventTypeSlotStatus designates slot status transitions.
	EventTypeSlotStatus EventType = "slot_status"
)

// AccountUpdate is a single account write notification. Treat as immutable once built.
type AccountUpdate struct {
	Pubkey       solana.PublicKey
	Owner        ProgramID
	Lamports     uint64
	Data         []byte
	Executable   bool
	RentEpoch    uint64
	Slot         uint64
	WriteVersion uint64
	IsStartup    bool
}

// SlotStatus enumerates consensus progress of a slot.
type SlotStatus string

const (
	// SlotProcessed marks a slot processed by the local node.
	SlotProcessed SlotStatus = "processed"
	// SlotConfirmed marks a slot voted on by a supermajority.
	SlotConfirmed SlotStatus = "confirmed"
	// SlotRooted marks a finalized slot.
	SlotRooted SlotStatus = "rooted"
	// SlotDead marks an abandoned fork.
	SlotDead SlotStatus = "dead"
)

// ParseSlotStatus maps a case-insensitive status name onto a SlotStatus.
func ParseSlotStatus(raw string) (SlotStatus, error) {
	status := SlotStatus(strings.ToLower(strings.TrimSpace(raw)))
	if err := status.Validate(); err != nil {
		return "", err
	}
	return status, nil
}

// Validate ensures the status is one of the known values.
func (s SlotStatus) Validate() error {
	switch s {
	case SlotProcessed, SlotConfirmed, SlotRooted, SlotDead:
		return nil
	case "":
		return errs.New("schema/slot-status", errs.CodeInvalid, errs.WithMessage("slot status required"))
	default:
		return errs.New("schema/slot-status", errs.CodeInvalid,
			errs.WithMessage("unknown slot status"), errs.WithField("status", string(s)))
	}
}

// SlotStatusUpdate is a slot status transition. ParentSlot is nil when the host does not know it.
type SlotStatusUpdate struct {
	Slot       uint64
	ParentSlot *uint64
	Status     SlotStatus
}

// ParseProgramID decodes a base58 program identifier.
func ParseProgramID(raw string) (ProgramID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProgramID{}, errs.New("schema/program-id", errs.CodeInvalid, errs.WithMessage("program id required"))
	}
	key, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return ProgramID{}, errs.New("schema/program-id", errs.CodeInvalid,
			errs.WithMessage("malformed program id"), errs.WithField("id", trimmed), errs.WithCause(err))
	}
	return key, nil
}

// ParseProgramIDs decodes every identifier, failing on the first malformed entry.
func ParseProgramIDs(raw []string) ([]ProgramID, error) {
	out := make([]ProgramID, 0, len(raw))
	for _, entry := range raw {
		id, err := ParseProgramID(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
