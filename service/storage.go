package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"merkle-vesting-service/events"
	"merkle-vesting-service/merkle"
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/bbolt"
)

var (
	metaBucket      = []byte("meta")
	positionsBucket = []byte("positions")
	outboxBucket    = []byte("outbox")
	treesBucket     = []byte("trees")

	rootKey      = []byte("root")
	bitmapKey    = []byte("bitmap")
	withdrawnKey = []byte("withdrawn")
)

var (
	ErrTreeNotFound = errors.New("tree not found")
	ErrRootMismatch = errors.New("store holds a different distribution root")
)

// Storage is the bbolt-backed Repository. Positions are fixed-size records
// keyed by big-endian id; outbox keys are the bucket sequence.
type Storage struct {
	db *bbolt.DB
}

func NewStorage(dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucket, positionsBucket, outboxBucket, treesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Init records the distribution root and an empty bitmap the first time a
// tree is loaded. Reopening with the same tree is a no-op.
func (s *Storage) Init(_ context.Context, tree *merkle.Tree) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	root := tree.Root()

	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if existing := meta.Get(rootKey); existing != nil {
			if !bytes.Equal(existing, root[:]) {
				return fmt.Errorf("%w: stored %s, loaded %s", ErrRootMismatch, common.BytesToHash(existing).Hex(), root.Hex())
			}
			return nil
		}
		if err := meta.Put(rootKey, root.Bytes()); err != nil {
			return err
		}
		if err := meta.Put(bitmapKey, make([]byte, (tree.Len()+7)/8)); err != nil {
			return err
		}
		return tx.Bucket(treesBucket).Put(root.Bytes(), data)
	})
}

func (s *Storage) Load(_ context.Context) (State, error) {
	var state State
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		root := meta.Get(rootKey)
		if root == nil {
			return errors.New("distribution not initialised")
		}
		state.Root = common.BytesToHash(root)
		state.Bitmap = append([]byte(nil), meta.Get(bitmapKey)...)
		state.Withdrawn = meta.Get(withdrawnKey) != nil

		return tx.Bucket(positionsBucket).ForEach(func(k, v []byte) error {
			var p vesting.Position
			if err := p.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("position %x: %w", k, err)
			}
			state.Positions = append(state.Positions, p)
			return nil
		})
	})
	return state, err
}

func (s *Storage) Apply(ctx context.Context, m Mutation, settle func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if m.Claimed != nil {
			bits := append([]byte(nil), meta.Get(bitmapKey)...)
			if err := setBit(bits, *m.Claimed); err != nil {
				return err
			}
			if err := meta.Put(bitmapKey, bits); err != nil {
				return err
			}
		}
		if m.Position != nil {
			record, err := m.Position.MarshalBinary()
			if err != nil {
				return err
			}
			if err := tx.Bucket(positionsBucket).Put(itob(m.Position.ID), record); err != nil {
				return err
			}
		}
		if m.Withdrawn {
			if err := meta.Put(withdrawnKey, []byte{1}); err != nil {
				return err
			}
		}

		outbox := tx.Bucket(outboxBucket)
		for _, e := range m.Events {
			seq, err := outbox.NextSequence()
			if err != nil {
				return err
			}
			e.Seq = seq
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := outbox.Put(itob(seq), data); err != nil {
				return err
			}
		}

		if settle != nil {
			return settle()
		}
		return nil
	})
}

func (s *Storage) PendingEvents(_ context.Context, limit int) ([]events.Event, error) {
	var out []events.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(outboxBucket).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var e events.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *Storage) AckEvents(_ context.Context, upTo uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upTo; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) SaveTree(_ context.Context, tree *merkle.Tree) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	root := tree.Root()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(treesBucket).Put(root.Bytes(), data)
	})
}

func (s *Storage) GetTree(_ context.Context, root common.Hash) (*merkle.Tree, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(treesBucket).Get(root.Bytes())
		if v == nil {
			return fmt.Errorf("%w: %s", ErrTreeNotFound, root.Hex())
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	tree := new(merkle.Tree)
	if err := json.Unmarshal(data, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// setBit flips bit index in a little-endian packed bitmap.
func setBit(bits []byte, index uint64) error {
	pos := index / 8
	if pos >= uint64(len(bits)) {
		return fmt.Errorf("claim index %d outside stored bitmap", index)
	}
	mask := byte(1) << (index % 8)
	if bits[pos]&mask != 0 {
		return fmt.Errorf("%w: %d", ErrAlreadyClaimed, index)
	}
	bits[pos] |= mask
	return nil
}
