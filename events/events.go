package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type Kind string

const (
	AllocationClaimed      Kind = "allocation_claimed"
	PositionCreated        Kind = "position_created"
	TokensReleased         Kind = "tokens_released"
	BeneficiaryTransferred Kind = "beneficiary_transferred"
	PositionRevoked        Kind = "position_revoked"
	UnclaimedWithdrawn     Kind = "unclaimed_withdrawn"
)

// namespace scopes event keys; keys are UUIDv5 of kind/id/version.
var namespace = uuid.MustParse("6f1c1d0e-5a7e-4c2b-9a51-2d7c2f6f3b10")

// Event is the record handed to external indexers. Delivery is at least once;
// consumers de-duplicate on Key.
type Event struct {
	Key        string    `json:"key"`
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	PositionID uint64    `json:"position_id"`
	Index      uint64    `json:"index"`
	Account    string    `json:"account"`
	Amount     string    `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// New builds an event whose Key is stable for the same (kind, id, version).
func New(kind Kind, id uint64, version uint64, account common.Address, amount *uint256.Int, at time.Time) Event {
	amt := "0"
	if amount != nil {
		amt = amount.Dec()
	}
	return Event{
		Key:        Key(kind, id, version).String(),
		Kind:       kind,
		PositionID: id,
		Index:      id,
		Account:    account.Hex(),
		Amount:     amt,
		Timestamp:  at.UTC(),
	}
}

func Key(kind Kind, id uint64, version uint64) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s/%d/%d", kind, id, version)))
}

// Sink receives relayed events.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// Fanout publishes to every sink in order and stops at the first failure.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, events []Event) error {
	for _, s := range f {
		if err := s.Publish(ctx, events); err != nil {
			return err
		}
	}
	return nil
}
