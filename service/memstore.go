package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"merkle-vesting-service/events"
	"merkle-vesting-service/merkle"
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is a Repository and event outbox that lives in process.
type MemoryStore struct {
	mu        sync.Mutex
	root      *common.Hash
	bitmap    []byte
	positions map[uint64]vesting.Position
	withdrawn bool
	outbox    []events.Event
	seq       uint64
	trees     map[common.Hash]*merkle.Tree
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[uint64]vesting.Position),
		trees:     make(map[common.Hash]*merkle.Tree),
	}
}

func (s *MemoryStore) Init(_ context.Context, tree *merkle.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := tree.Root()
	if s.root != nil {
		if *s.root != root {
			return fmt.Errorf("%w: stored %s, loaded %s", ErrRootMismatch, s.root.Hex(), root.Hex())
		}
		return nil
	}
	s.root = &root
	s.bitmap = make([]byte, (tree.Len()+7)/8)
	s.trees[root] = tree
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return State{}, fmt.Errorf("distribution not initialised")
	}
	state := State{
		Root:      *s.root,
		Bitmap:    append([]byte(nil), s.bitmap...),
		Withdrawn: s.withdrawn,
	}
	for _, p := range s.positions {
		state.Positions = append(state.Positions, p.Clone())
	}
	sort.Slice(state.Positions, func(i, j int) bool { return state.Positions[i].ID < state.Positions[j].ID })
	return state, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation, settle func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bits := s.bitmap
	if m.Claimed != nil {
		bits = append([]byte(nil), s.bitmap...)
		if err := setBit(bits, *m.Claimed); err != nil {
			return err
		}
	}
	pending := make([]events.Event, len(m.Events))
	for i, e := range m.Events {
		e.Seq = s.seq + uint64(i) + 1
		pending[i] = e
	}

	if settle != nil {
		if err := settle(); err != nil {
			return err
		}
	}

	s.bitmap = bits
	if m.Position != nil {
		s.positions[m.Position.ID] = m.Position.Clone()
	}
	if m.Withdrawn {
		s.withdrawn = true
	}
	s.outbox = append(s.outbox, pending...)
	s.seq += uint64(len(pending))
	return nil
}

func (s *MemoryStore) PendingEvents(_ context.Context, limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.outbox) {
		limit = len(s.outbox)
	}
	return append([]events.Event(nil), s.outbox[:limit]...), nil
}

func (s *MemoryStore) AckEvents(_ context.Context, upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.outbox) && s.outbox[i].Seq <= upTo {
		i++
	}
	s.outbox = append([]events.Event(nil), s.outbox[i:]...)
	return nil
}

func (s *MemoryStore) SaveTree(_ context.Context, tree *merkle.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[tree.Root()] = tree
	return nil
}

func (s *MemoryStore) GetTree(_ context.Context, root common.Hash) (*merkle.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.trees[root]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTreeNotFound, root.Hex())
	}
	return tree, nil
}
