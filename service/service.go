package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"merkle-vesting-service/bitmap"
	"merkle-vesting-service/events"
	"merkle-vesting-service/merkle"
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidProof         = errors.New("invalid merkle proof")
	ErrAlreadyClaimed       = errors.New("allocation already claimed")
	ErrLedgerTransferFailed = errors.New("ledger transfer failed")
	ErrClaimWindowClosed    = errors.New("claim window closed")
	ErrClaimWindowOpen      = errors.New("claim window still open")
	ErrAlreadyWithdrawn     = errors.New("unclaimed allocations already withdrawn")
	ErrUnknownIndex         = errors.New("unknown allocation index")
	ErrInvalidAccount       = errors.New("invalid account")
)

const claimStripes = 64

type Config struct {
	// Pool is the ledger account every payout is drawn from.
	Pool     common.Address
	Schedule vesting.Schedule
	// ClaimDeadline closes the claim window; zero keeps it open forever.
	ClaimDeadline time.Time
}

// Distributor runs the claim workflow for one committed allocation tree and
// the vesting positions it opens.
type Distributor struct {
	cfg       Config
	tree      *merkle.Tree
	total     *uint256.Int
	claimed   *bitmap.Bitmap
	positions *vesting.Ledger
	repo      Repository
	ledger    Ledger
	clock     Clock
	logger    logrus.FieldLogger

	stripes [claimStripes]sync.Mutex
	// window is shared by claims and held exclusively by WithdrawUnclaimed.
	window    sync.RWMutex
	withdrawn bool

	mu           sync.Mutex
	claimedTotal *uint256.Int
}

func NewDistributor(ctx context.Context, tree *merkle.Tree, repo Repository, ledger Ledger, clock Clock, logger logrus.FieldLogger, cfg Config) (*Distributor, error) {
	if tree == nil {
		return nil, merkle.ErrEmptyTree
	}
	if cfg.Pool == (common.Address{}) {
		return nil, fmt.Errorf("%w: pool account is zero", ErrInvalidAccount)
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	for i, e := range tree.Entries() {
		if e.Index != uint64(i) {
			return nil, fmt.Errorf("allocation indices must be dense: position %d holds index %d", i, e.Index)
		}
	}
	total, ok := tree.Total()
	if !ok {
		return nil, errors.New("allocation total overflows uint256")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	d := &Distributor{
		cfg:          cfg,
		tree:         tree,
		total:        total,
		positions:    vesting.NewLedger(),
		repo:         repo,
		ledger:       ledger,
		clock:        clock,
		logger:       logger.WithField("module", "distributor"),
		claimedTotal: new(uint256.Int),
	}
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Distributor) load(ctx context.Context) error {
	if err := d.repo.Init(ctx, d.tree); err != nil {
		return err
	}
	state, err := d.repo.Load(ctx)
	if err != nil {
		return err
	}
	claimed, err := bitmap.FromBytes(uint64(d.tree.Len()), state.Bitmap)
	if err != nil {
		return fmt.Errorf("load claim bitmap: %w", err)
	}
	d.claimed = claimed
	d.positions.Restore(state.Positions)
	d.withdrawn = state.Withdrawn

	for _, e := range d.tree.Entries() {
		if claimed.IsClaimed(e.Index) {
			d.claimedTotal.Add(d.claimedTotal, e.Amount)
		}
	}

	d.logger.WithFields(logrus.Fields{
		"root":      d.tree.Root().Hex(),
		"entries":   d.tree.Len(),
		"claimed":   claimed.Count(),
		"positions": len(state.Positions),
	}).Info("distribution loaded")
	return nil
}

// Claim consumes one allocation entry. The proof is checked before the index
// lock is taken; the bit, the position and the payout commit together.
func (d *Distributor) Claim(ctx context.Context, index uint64, account common.Address, amount *uint256.Int, proof []common.Hash) (ClaimResult, error) {
	d.window.RLock()
	defer d.window.RUnlock()

	now := d.clock.Now()
	if d.withdrawn || d.windowClosed(now) {
		return ClaimResult{}, ErrClaimWindowClosed
	}
	if !merkle.VerifyProof(index, account, amount, proof, d.tree.Root()) {
		return ClaimResult{}, ErrInvalidProof
	}

	lock := &d.stripes[index%claimStripes]
	lock.Lock()
	defer lock.Unlock()

	if d.claimed.IsClaimed(index) {
		return ClaimResult{}, fmt.Errorf("%w: %d", ErrAlreadyClaimed, index)
	}

	claimedEvent := events.New(events.AllocationClaimed, index, 1, account, amount, now)
	result := ClaimResult{Index: index, Account: account, Amount: new(uint256.Int).Set(amount)}

	if d.cfg.Schedule.Immediate() {
		m := Mutation{
			Claimed: &index,
			Events: []events.Event{
				claimedEvent,
				events.New(events.TokensReleased, index, 1, account, amount, now),
			},
		}
		if err := d.apply(ctx, m, []vesting.Payout{{To: account, Amount: amount}}); err != nil {
			return ClaimResult{}, err
		}
		result.Released = new(uint256.Int).Set(amount)
	} else {
		pos, err := d.positions.Create(index, account, amount, d.cfg.Schedule, now, d.commit(ctx, now, &index, claimedEvent))
		if err != nil {
			return ClaimResult{}, err
		}
		result.Released = d.cfg.Schedule.UpfrontAmount(amount)
		result.Position = &pos
	}

	if err := d.claimed.SetClaimed(index); err != nil {
		// Only reachable if the in-memory bitmap drifted from the store.
		d.logger.WithError(err).WithField("index", index).Error("claim bitmap out of sync")
	}
	d.mu.Lock()
	d.claimedTotal.Add(d.claimedTotal, amount)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"index":    index,
		"account":  account.Hex(),
		"amount":   amount.Dec(),
		"released": result.Released.Dec(),
		"vesting":  result.Position != nil,
	}).Info("allocation claimed")
	return result, nil
}

// ClaimVested releases everything vested on position id since the last claim.
func (d *Distributor) ClaimVested(ctx context.Context, id uint64) (vesting.Release, error) {
	now := d.clock.Now()
	release, err := d.positions.ClaimVested(id, now, d.commit(ctx, now, nil))
	if err != nil {
		return vesting.Release{}, err
	}
	d.logger.WithFields(logrus.Fields{
		"position_id": id,
		"account":     release.To.Hex(),
		"amount":      release.Amount.Dec(),
	}).Info("tokens released")
	return release, nil
}

// TransferBeneficiary moves position id from its current beneficiary from
// to beneficiary. It fails with vesting.ErrBeneficiaryChanged if the
// position no longer belongs to from.
func (d *Distributor) TransferBeneficiary(ctx context.Context, id uint64, from, beneficiary common.Address) (vesting.Position, error) {
	now := d.clock.Now()
	pos, err := d.positions.TransferBeneficiary(id, from, beneficiary, d.commit(ctx, now, nil))
	if err != nil {
		return vesting.Position{}, err
	}
	d.logger.WithFields(logrus.Fields{
		"position_id": id,
		"account":     beneficiary.Hex(),
	}).Info("beneficiary transferred")
	return pos, nil
}

func (d *Distributor) Revoke(ctx context.Context, id uint64, refundTarget common.Address) (vesting.Revocation, error) {
	now := d.clock.Now()
	rev, err := d.positions.Revoke(id, now, refundTarget, d.commit(ctx, now, nil))
	if err != nil {
		return vesting.Revocation{}, err
	}
	d.logger.WithFields(logrus.Fields{
		"position_id": id,
		"released":    rev.Released.Dec(),
		"refunded":    rev.Refunded.Dec(),
		"account":     refundTarget.Hex(),
	}).Info("position revoked")
	return rev, nil
}

// WithdrawUnclaimed moves the amount of every never-claimed allocation to
// `to` once the claim window has closed. It runs at most once.
func (d *Distributor) WithdrawUnclaimed(ctx context.Context, to common.Address) (WithdrawResult, error) {
	if to == (common.Address{}) {
		return WithdrawResult{}, ErrInvalidAccount
	}
	d.window.Lock()
	defer d.window.Unlock()

	if d.withdrawn {
		return WithdrawResult{}, ErrAlreadyWithdrawn
	}
	now := d.clock.Now()
	if !d.windowClosed(now) {
		return WithdrawResult{}, ErrClaimWindowOpen
	}

	d.mu.Lock()
	amount := new(uint256.Int).Sub(d.total, d.claimedTotal)
	d.mu.Unlock()

	m := Mutation{
		Withdrawn: true,
		Events:    []events.Event{events.New(events.UnclaimedWithdrawn, uint64(d.tree.Len()), 1, to, amount, now)},
	}
	var payouts []vesting.Payout
	if !amount.IsZero() {
		payouts = []vesting.Payout{{To: to, Amount: amount, Refund: true}}
	}
	if err := d.apply(ctx, m, payouts); err != nil {
		return WithdrawResult{}, err
	}
	d.withdrawn = true

	d.logger.WithFields(logrus.Fields{
		"account": to.Hex(),
		"amount":  amount.Dec(),
	}).Info("unclaimed allocations withdrawn")
	return WithdrawResult{To: to, Amount: amount}, nil
}

func (d *Distributor) IsIndexClaimed(index uint64) (bool, error) {
	if index >= uint64(d.tree.Len()) {
		return false, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	return d.claimed.IsClaimed(index), nil
}

func (d *Distributor) GetPosition(id uint64) (vesting.Position, error) {
	return d.positions.Get(id)
}

func (d *Distributor) Positions() []vesting.Position {
	return d.positions.List()
}

// Vested returns the amount of position id vested right now.
func (d *Distributor) Vested(id uint64) (*uint256.Int, error) {
	pos, err := d.positions.Get(id)
	if err != nil {
		return nil, err
	}
	return pos.Vested(d.clock.Now()), nil
}

func (d *Distributor) Root() common.Hash {
	return d.tree.Root()
}

// Proof returns the committed entry at index with its inclusion proof.
func (d *Distributor) Proof(index uint64) (merkle.Entry, []common.Hash, error) {
	e, ok := d.tree.Entry(index)
	if !ok {
		return merkle.Entry{}, nil, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	proof, err := d.tree.Proof(e.Index, e.Account, e.Amount)
	if err != nil {
		return merkle.Entry{}, nil, err
	}
	return e, proof, nil
}

func (d *Distributor) VerifyProof(index uint64, account common.Address, amount *uint256.Int, proof []common.Hash) bool {
	return merkle.VerifyProof(index, account, amount, proof, d.tree.Root())
}

func (d *Distributor) Stats() Stats {
	d.window.RLock()
	withdrawn := d.withdrawn
	d.window.RUnlock()
	d.mu.Lock()
	claimedTotal := new(uint256.Int).Set(d.claimedTotal)
	d.mu.Unlock()

	return Stats{
		Root:         d.tree.Root(),
		Entries:      uint64(d.tree.Len()),
		Claimed:      d.claimed.Count(),
		Total:        new(uint256.Int).Set(d.total),
		ClaimedTotal: claimedTotal,
		Positions:    len(d.positions.List()),
		Withdrawn:    withdrawn,
	}
}

// BuildTree reads an allocation list, builds its tree and keeps it in the
// store under its root. It does not touch the live distribution.
func (d *Distributor) BuildTree(ctx context.Context, format string, r io.Reader) (*merkle.Distribution, error) {
	return buildAndStore(ctx, d.repo, format, r)
}

func (d *Distributor) GetTree(ctx context.Context, root common.Hash) (*merkle.Tree, error) {
	return d.repo.GetTree(ctx, root)
}

func (d *Distributor) windowClosed(now time.Time) bool {
	return !d.cfg.ClaimDeadline.IsZero() && now.After(d.cfg.ClaimDeadline)
}

// commit adapts a vesting change into a repository mutation. claimed and
// extra are set only for the change that opens a position.
func (d *Distributor) commit(ctx context.Context, now time.Time, claimed *uint64, extra ...events.Event) vesting.CommitFunc {
	return func(change vesting.Change) error {
		after := change.After
		evs := append([]events.Event(nil), extra...)
		evs = append(evs, changeEvents(change, now)...)
		return d.apply(ctx, Mutation{Claimed: claimed, Position: &after, Events: evs}, change.Payouts)
	}
}

func changeEvents(change vesting.Change, now time.Time) []events.Event {
	pos := change.After
	var out []events.Event
	switch change.Kind {
	case vesting.Created:
		out = append(out, events.New(events.PositionCreated, pos.ID, pos.Version, pos.Beneficiary, pos.TotalAmount, now))
	case vesting.BeneficiaryTransferred:
		out = append(out, events.New(events.BeneficiaryTransferred, pos.ID, pos.Version, pos.Beneficiary, nil, now))
	case vesting.PositionRevoked:
		refunded := new(uint256.Int)
		for _, p := range change.Payouts {
			if p.Refund {
				refunded.Add(refunded, p.Amount)
			}
		}
		out = append(out, events.New(events.PositionRevoked, pos.ID, pos.Version, pos.Beneficiary, refunded, now))
	}
	for _, p := range change.Payouts {
		if !p.Refund {
			out = append(out, events.New(events.TokensReleased, pos.ID, pos.Version, p.To, p.Amount, now))
		}
	}
	return out
}

// apply persists m and moves payouts in one repository transaction. Payouts
// already made are reversed if the transaction fails after settling.
func (d *Distributor) apply(ctx context.Context, m Mutation, payouts []vesting.Payout) error {
	var paid []vesting.Payout
	err := d.repo.Apply(ctx, m, func() error {
		var err error
		paid, err = d.pay(ctx, payouts)
		return err
	})
	if err != nil && len(paid) > 0 {
		d.unwind(ctx, paid)
	}
	return err
}

func (d *Distributor) pay(ctx context.Context, payouts []vesting.Payout) ([]vesting.Payout, error) {
	paid := make([]vesting.Payout, 0, len(payouts))
	for _, p := range payouts {
		if err := d.ledger.Transfer(ctx, d.cfg.Pool, p.To, p.Amount); err != nil {
			d.unwind(ctx, paid)
			return nil, fmt.Errorf("%w: %w", ErrLedgerTransferFailed, err)
		}
		paid = append(paid, p)
	}
	return paid, nil
}

func (d *Distributor) unwind(ctx context.Context, paid []vesting.Payout) {
	ctx = context.WithoutCancel(ctx)
	for i := len(paid) - 1; i >= 0; i-- {
		p := paid[i]
		if err := d.ledger.Transfer(ctx, p.To, d.cfg.Pool, p.Amount); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"account": p.To.Hex(),
				"amount":  p.Amount.Dec(),
			}).Error("ledger unwind failed")
		}
	}
}
