package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.etcd.io/bbolt"
)

var balancesBucket = []byte("balances")

// Bolt keeps balances in their own bbolt file, keyed by the 20-byte account
// with 32-byte big-endian values.
type Bolt struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(balancesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Credit(_ context.Context, account common.Address, amount *uint256.Int) error {
	if account == (common.Address{}) {
		return ErrZeroAccount
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(balancesBucket)
		next, overflow := new(uint256.Int).AddOverflow(readBalance(bucket, account), amount)
		if overflow {
			return ErrOverflow
		}
		return writeBalance(bucket, account, next)
	})
}

func (b *Bolt) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAccount
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(balancesBucket)
		src := readBalance(bucket, from)
		if src.Lt(amount) {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), src.Dec(), amount.Dec())
		}
		if from == to {
			return nil
		}
		dst, overflow := new(uint256.Int).AddOverflow(readBalance(bucket, to), amount)
		if overflow {
			return ErrOverflow
		}
		if err := writeBalance(bucket, from, new(uint256.Int).Sub(src, amount)); err != nil {
			return err
		}
		return writeBalance(bucket, to, dst)
	})
}

func (b *Bolt) Balance(_ context.Context, account common.Address) (*uint256.Int, error) {
	out := new(uint256.Int)
	err := b.db.View(func(tx *bbolt.Tx) error {
		out = readBalance(tx.Bucket(balancesBucket), account)
		return nil
	})
	return out, err
}

func readBalance(bucket *bbolt.Bucket, account common.Address) *uint256.Int {
	v := bucket.Get(account.Bytes())
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).SetBytes(v)
}

func writeBalance(bucket *bbolt.Bucket, account common.Address, amount *uint256.Int) error {
	word := amount.Bytes32()
	return bucket.Put(account.Bytes(), word[:])
}
