package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrZeroAccount       = errors.New("zero account")
	ErrOverflow          = errors.New("balance overflow")
)

// Memory keeps balances in process. Used by tests and the dry-run server.
type Memory struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[common.Address]*uint256.Int)}
}

func (m *Memory) Credit(_ context.Context, account common.Address, amount *uint256.Int) error {
	if account == (common.Address{}) {
		return ErrZeroAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(m.balanceLocked(account), amount)
	if overflow {
		return ErrOverflow
	}
	m.balances[account] = next
	return nil
}

func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.balanceLocked(from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), src.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	dst, overflow := new(uint256.Int).AddOverflow(m.balanceLocked(to), amount)
	if overflow {
		return ErrOverflow
	}
	m.balances[from] = new(uint256.Int).Sub(src, amount)
	m.balances[to] = dst
	return nil
}

func (m *Memory) Balance(_ context.Context, account common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.balanceLocked(account)), nil
}

func (m *Memory) balanceLocked(account common.Address) *uint256.Int {
	if b, ok := m.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}
