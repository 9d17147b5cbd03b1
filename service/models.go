package service

import (
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ClaimResult describes a successful allocation claim. Position is nil when
// the schedule paid everything out at once.
type ClaimResult struct {
	Index    uint64
	Account  common.Address
	Amount   *uint256.Int
	Released *uint256.Int
	Position *vesting.Position
}

type WithdrawResult struct {
	To     common.Address
	Amount *uint256.Int
}

type Stats struct {
	Root         common.Hash
	Entries      uint64
	Claimed      uint64
	Total        *uint256.Int
	ClaimedTotal *uint256.Int
	Positions    int
	Withdrawn    bool
}
