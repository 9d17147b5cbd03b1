package vesting

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrDuplicatePosition   = errors.New("vesting position already exists")
	ErrPositionNotFound    = errors.New("vesting position not found")
	ErrNothingVested       = errors.New("nothing vested")
	ErrAlreadyFullyClaimed = errors.New("vesting fully claimed")
	ErrAlreadyTerminal     = errors.New("vesting position is terminal")
	ErrInvalidBeneficiary  = errors.New("invalid beneficiary")
	ErrZeroAmount          = errors.New("vesting amount is zero")
	ErrBeneficiaryChanged  = errors.New("vesting beneficiary changed")
)

type ChangeKind uint8

const (
	Created ChangeKind = iota
	Released
	BeneficiaryTransferred
	PositionRevoked
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Released:
		return "released"
	case BeneficiaryTransferred:
		return "beneficiary_transferred"
	case PositionRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("change(%d)", uint8(k))
	}
}

// Payout is value the ledger collaborator must move out of the pool.
type Payout struct {
	To     common.Address
	Amount *uint256.Int
	Refund bool
}

// Change is a pending transition. After becomes the stored record only if the
// commit hook returns nil.
type Change struct {
	Kind    ChangeKind
	Before  Position
	After   Position
	Payouts []Payout
}

// CommitFunc persists a change and moves its payouts. It runs while the
// position is locked.
type CommitFunc func(Change) error

// Release is the outcome of a successful ClaimVested.
type Release struct {
	Position Position
	Amount   *uint256.Int
	To       common.Address
}

// Revocation is the outcome of a successful Revoke.
type Revocation struct {
	Position Position
	Released *uint256.Int
	Refunded *uint256.Int
}

type entry struct {
	mu    sync.Mutex
	ready bool
	pos   Position
}

// Ledger holds every vesting position. Operations on one position are
// serialised; distinct positions proceed in parallel.
type Ledger struct {
	mu        sync.RWMutex
	positions map[uint64]*entry
}

func NewLedger() *Ledger {
	return &Ledger{positions: make(map[uint64]*entry)}
}

// Restore loads persisted positions. Existing ids are overwritten.
func (l *Ledger) Restore(positions []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		l.positions[p.ID] = &entry{ready: true, pos: p.Clone()}
	}
}

// Create opens a position at id and releases the schedule's upfront share.
func (l *Ledger) Create(id uint64, beneficiary common.Address, total *uint256.Int, schedule Schedule, start time.Time, commit CommitFunc) (Position, error) {
	if total == nil || total.IsZero() {
		return Position{}, ErrZeroAmount
	}
	if beneficiary == (common.Address{}) {
		return Position{}, ErrInvalidBeneficiary
	}
	if err := schedule.Validate(); err != nil {
		return Position{}, err
	}
	if err := schedule.checkPerPeriod(total); err != nil {
		return Position{}, err
	}

	l.mu.Lock()
	if _, exists := l.positions[id]; exists {
		l.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %d", ErrDuplicatePosition, id)
	}
	e := &entry{}
	e.mu.Lock()
	l.positions[id] = e
	l.mu.Unlock()
	defer e.mu.Unlock()

	upfront := schedule.UpfrontAmount(total)
	pos := Position{
		ID:            id,
		Beneficiary:   beneficiary,
		TotalAmount:   new(uint256.Int).Set(total),
		StartTime:     time.Unix(start.Unix(), 0).UTC(),
		AmountClaimed: upfront,
		Schedule:      schedule,
		Status:        Active,
		Version:       1,
	}
	if pos.AmountClaimed.Eq(pos.TotalAmount) {
		pos.Status = FullyClaimed
	}

	change := Change{Kind: Created, After: pos.Clone()}
	if !upfront.IsZero() {
		change.Payouts = []Payout{{To: beneficiary, Amount: new(uint256.Int).Set(upfront)}}
	}
	if err := commit(change); err != nil {
		l.mu.Lock()
		delete(l.positions, id)
		l.mu.Unlock()
		return Position{}, err
	}

	e.pos = pos
	e.ready = true
	return pos.Clone(), nil
}

// ClaimVested releases everything vested at now that was not released yet.
func (l *Ledger) ClaimVested(id uint64, now time.Time, commit CommitFunc) (Release, error) {
	e, err := l.lock(id)
	if err != nil {
		return Release{}, err
	}
	defer e.mu.Unlock()
	return l.release(e, now, commit)
}

func (l *Ledger) release(e *entry, now time.Time, commit CommitFunc) (Release, error) {
	pos := e.pos
	if pos.Status == Revoked {
		return Release{}, fmt.Errorf("%w: %d", ErrAlreadyTerminal, pos.ID)
	}
	if pos.AmountClaimed.Eq(pos.TotalAmount) {
		return Release{}, fmt.Errorf("%w: %d", ErrAlreadyFullyClaimed, pos.ID)
	}

	vested := pos.Vested(now)
	if !vested.Gt(pos.AmountClaimed) {
		return Release{}, fmt.Errorf("%w: %d", ErrNothingVested, pos.ID)
	}
	amount := new(uint256.Int).Sub(vested, pos.AmountClaimed)

	next := pos.Clone()
	next.AmountClaimed = vested
	next.PeriodsClaimed = ElapsedPeriods(pos.Schedule, pos.StartTime, now)
	next.Version++
	if next.AmountClaimed.Eq(next.TotalAmount) {
		next.Status = FullyClaimed
	}

	change := Change{
		Kind:    Released,
		Before:  pos.Clone(),
		After:   next.Clone(),
		Payouts: []Payout{{To: pos.Beneficiary, Amount: new(uint256.Int).Set(amount)}},
	}
	if err := commit(change); err != nil {
		return Release{}, err
	}
	e.pos = next
	return Release{Position: next.Clone(), Amount: amount, To: pos.Beneficiary}, nil
}

// TransferBeneficiary points future releases at a new account. Amounts
// already released stay where they are. The position must still belong to
// from, which callers take from the record they authorized against.
func (l *Ledger) TransferBeneficiary(id uint64, from, beneficiary common.Address, commit CommitFunc) (Position, error) {
	if beneficiary == (common.Address{}) {
		return Position{}, ErrInvalidBeneficiary
	}
	e, err := l.lock(id)
	if err != nil {
		return Position{}, err
	}
	defer e.mu.Unlock()

	pos := e.pos
	if pos.Terminal() {
		return Position{}, fmt.Errorf("%w: %d", ErrAlreadyTerminal, pos.ID)
	}
	if pos.Beneficiary != from {
		return Position{}, fmt.Errorf("%w: %d now belongs to %s", ErrBeneficiaryChanged, pos.ID, pos.Beneficiary.Hex())
	}
	next := pos.Clone()
	next.Beneficiary = beneficiary
	next.Version++

	if err := commit(Change{Kind: BeneficiaryTransferred, Before: pos.Clone(), After: next.Clone()}); err != nil {
		return Position{}, err
	}
	e.pos = next
	return next.Clone(), nil
}

// Revoke settles whatever vested to the beneficiary and refunds the rest to
// refundTarget. Both payouts travel in one change, so a failed commit leaves
// the position untouched. A position that has fully vested by now is still
// revoked, with nothing to refund.
func (l *Ledger) Revoke(id uint64, now time.Time, refundTarget common.Address, commit CommitFunc) (Revocation, error) {
	if refundTarget == (common.Address{}) {
		return Revocation{}, ErrInvalidBeneficiary
	}
	e, err := l.lock(id)
	if err != nil {
		return Revocation{}, err
	}
	defer e.mu.Unlock()

	pos := e.pos
	if pos.Terminal() {
		return Revocation{}, fmt.Errorf("%w: %d", ErrAlreadyTerminal, pos.ID)
	}

	vested := pos.Vested(now)
	released := new(uint256.Int)
	if vested.Gt(pos.AmountClaimed) {
		released.Sub(vested, pos.AmountClaimed)
	}
	next := pos.Clone()
	if !released.IsZero() {
		next.AmountClaimed = new(uint256.Int).Set(vested)
		next.PeriodsClaimed = ElapsedPeriods(pos.Schedule, pos.StartTime, now)
	}
	next.Status = Revoked
	next.Version++
	refund := next.Unclaimed()

	change := Change{Kind: PositionRevoked, Before: pos.Clone(), After: next.Clone()}
	if !released.IsZero() {
		change.Payouts = append(change.Payouts, Payout{To: pos.Beneficiary, Amount: new(uint256.Int).Set(released)})
	}
	if !refund.IsZero() {
		change.Payouts = append(change.Payouts, Payout{To: refundTarget, Amount: new(uint256.Int).Set(refund), Refund: true})
	}
	if err := commit(change); err != nil {
		return Revocation{}, err
	}
	e.pos = next
	return Revocation{Position: next.Clone(), Released: released, Refunded: refund}, nil
}

func (l *Ledger) Get(id uint64) (Position, error) {
	e, err := l.lock(id)
	if err != nil {
		return Position{}, err
	}
	defer e.mu.Unlock()
	return e.pos.Clone(), nil
}

// List returns every position ordered by id.
func (l *Ledger) List() []Position {
	l.mu.RLock()
	ids := make([]uint64, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		if p, err := l.Get(id); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (l *Ledger) lock(id uint64) (*entry, error) {
	l.mu.RLock()
	e, ok := l.positions[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	return e, nil
}
