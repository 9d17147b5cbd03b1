package service

import (
	"context"
	"time"

	"merkle-vesting-service/events"
	"merkle-vesting-service/merkle"
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger moves value units. The distributor never holds custody itself.
type Ledger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Mutation is everything one operation persists. Claimed is the allocation
// index whose bit flips; Position is the new record for a vesting position.
type Mutation struct {
	Claimed   *uint64
	Position  *vesting.Position
	Withdrawn bool
	Events    []events.Event
}

// State is the persisted distribution as loaded at startup.
type State struct {
	Root      common.Hash
	Bitmap    []byte
	Positions []vesting.Position
	Withdrawn bool
}

// Repository persists distribution state. Apply writes m and then calls
// settle inside the same transaction; an error from settle discards m.
type Repository interface {
	Init(ctx context.Context, tree *merkle.Tree) error
	Load(ctx context.Context) (State, error)
	Apply(ctx context.Context, m Mutation, settle func() error) error

	SaveTree(ctx context.Context, tree *merkle.Tree) error
	GetTree(ctx context.Context, root common.Hash) (*merkle.Tree, error)
}
