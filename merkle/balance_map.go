package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount       = errors.New("allocation amount is zero")
	ErrDuplicateAccount = errors.New("account allocated more than once")
)

// Claim is the per-account view of a committed entry.
type Claim struct {
	Index  uint64
	Amount *uint256.Int
	Proof  []common.Hash
}

// Distribution is a built tree together with everything a claimant needs.
type Distribution struct {
	Tree   *Tree
	Root   common.Hash
	Total  *uint256.Int
	Claims map[common.Address]Claim
}

// ParseBalanceMap turns an account → amount map into a dense, account-sorted
// entry list and builds the tree over it.
func ParseBalanceMap(balances map[common.Address]*uint256.Int) (*Distribution, error) {
	if len(balances) == 0 {
		return nil, ErrEmptyTree
	}

	accounts := make([]common.Address, 0, len(balances))
	for account, amount := range balances {
		if amount == nil || amount.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrZeroAmount, account.Hex())
		}
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})

	entries := make([]Entry, len(accounts))
	for i, account := range accounts {
		entries[i] = Entry{Index: uint64(i), Account: account, Amount: balances[account]}
	}

	return NewDistribution(entries)
}

// NewDistribution builds the tree over an already indexed entry list. Each
// account may appear once, since claims are looked up by account.
func NewDistribution(entries []Entry) (*Distribution, error) {
	tree, err := Build(entries)
	if err != nil {
		return nil, err
	}
	total, ok := tree.Total()
	if !ok {
		return nil, errors.New("allocation total overflows uint256")
	}

	claims := make(map[common.Address]Claim, len(entries))
	for _, e := range tree.Entries() {
		if prev, dup := claims[e.Account]; dup {
			return nil, fmt.Errorf("%w: %s at indices %d and %d", ErrDuplicateAccount, e.Account.Hex(), prev.Index, e.Index)
		}
		proof, err := tree.Proof(e.Index, e.Account, e.Amount)
		if err != nil {
			return nil, err
		}
		claims[e.Account] = Claim{Index: e.Index, Amount: e.Amount, Proof: proof}
	}

	return &Distribution{
		Tree:   tree,
		Root:   tree.Root(),
		Total:  total,
		Claims: claims,
	}, nil
}
