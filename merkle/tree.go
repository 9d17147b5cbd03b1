package merkle

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const HashSize = common.HashLength

var (
	ErrEmptyTree     = errors.New("empty allocation tree")
	ErrEntryNotFound = errors.New("allocation entry not found")
	ErrNilAmount     = errors.New("allocation amount is nil")
)

// Entry is one committed allocation.
type Entry struct {
	Index   uint64
	Account common.Address
	Amount  *uint256.Int
}

// Tree commits to an ordered allocation list. Leaves sit in entry order and
// parents hash their children as a sorted pair, so proofs carry no path bits.
type Tree struct {
	entries []Entry
	layers  [][]common.Hash
	lookup  map[common.Hash]int
}

// Build hashes every entry into a leaf and folds the layers up to the root.
// A lone trailing node is promoted to the next layer as-is.
func Build(entries []Entry) (*Tree, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTree
	}

	t := &Tree{
		entries: make([]Entry, len(entries)),
		lookup:  make(map[common.Hash]int, len(entries)),
	}

	leaves := make([]common.Hash, len(entries))
	for i, e := range entries {
		if e.Amount == nil {
			return nil, fmt.Errorf("entry %d: %w", e.Index, ErrNilAmount)
		}
		t.entries[i] = Entry{Index: e.Index, Account: e.Account, Amount: new(uint256.Int).Set(e.Amount)}
		leaf := LeafHash(e.Index, e.Account, e.Amount)
		leaves[i] = leaf
		if _, dup := t.lookup[leaf]; !dup {
			t.lookup[leaf] = i
		}
	}

	t.layers = [][]common.Hash{leaves}
	for level := leaves; len(level) > 1; {
		level = nextLayer(level)
		t.layers = append(t.layers, level)
	}

	return t, nil
}

func nextLayer(level []common.Hash) []common.Hash {
	next := make([]common.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		next = append(next, HashPair(level[i], level[i+1]))
	}
	return next
}

func (t *Tree) Root() common.Hash {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

func (t *Tree) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the committed list in leaf order.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = Entry{Index: e.Index, Account: e.Account, Amount: new(uint256.Int).Set(e.Amount)}
	}
	return out
}

// Entry returns the committed entry at index.
func (t *Tree) Entry(index uint64) (Entry, bool) {
	if index < uint64(len(t.entries)) && t.entries[index].Index == index {
		e := t.entries[index]
		return Entry{Index: e.Index, Account: e.Account, Amount: new(uint256.Int).Set(e.Amount)}, true
	}
	for _, e := range t.entries {
		if e.Index == index {
			return Entry{Index: e.Index, Account: e.Account, Amount: new(uint256.Int).Set(e.Amount)}, true
		}
	}
	return Entry{}, false
}

// Total sums every committed amount. The second return is false on overflow.
func (t *Tree) Total() (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, e := range t.entries {
		if _, overflow := total.AddOverflow(total, e.Amount); overflow {
			return nil, false
		}
	}
	return total, true
}

// Proof returns the sibling hashes from leaf to root for the exact triple.
func (t *Tree) Proof(index uint64, account common.Address, amount *uint256.Int) ([]common.Hash, error) {
	if amount == nil {
		return nil, ErrNilAmount
	}
	pos, ok := t.lookup[LeafHash(index, account, amount)]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrEntryNotFound, index)
	}

	proof := make([]common.Hash, 0, len(t.layers)-1)
	for _, level := range t.layers[:len(t.layers)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the leaf and folds the proof over it. Any mismatch,
// including a nil amount, yields false.
func VerifyProof(index uint64, account common.Address, amount *uint256.Int, proof []common.Hash, root common.Hash) bool {
	if amount == nil {
		return false
	}
	computed := LeafHash(index, account, amount)
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}

// LeafHash is keccak256(uint256(index) ‖ account ‖ uint256(amount)).
func LeafHash(index uint64, account common.Address, amount *uint256.Int) common.Hash {
	var buf [32 + common.AddressLength + 32]byte
	binary.BigEndian.PutUint64(buf[24:32], index)
	copy(buf[32:32+common.AddressLength], account.Bytes())
	amountBytes := amount.Bytes32()
	copy(buf[32+common.AddressLength:], amountBytes[:])
	return crypto.Keccak256Hash(buf[:])
}

// HashPair hashes two nodes smaller-first.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

type treeJSON struct {
	Root    string      `json:"root"`
	Entries []entryJSON `json:"entries"`
}

type entryJSON struct {
	Index   uint64 `json:"index"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (t *Tree) MarshalJSON() ([]byte, error) {
	entries := make([]entryJSON, len(t.entries))
	for i, e := range t.entries {
		entries[i] = entryJSON{
			Index:   e.Index,
			Account: e.Account.Hex(),
			Amount:  e.Amount.Dec(),
		}
	}
	return json.Marshal(treeJSON{
		Root:    t.Root().Hex(),
		Entries: entries,
	})
}

// UnmarshalJSON rebuilds the layers from the stored entries and refuses data
// whose recomputed root differs from the stored one.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var parsed treeJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	entries := make([]Entry, len(parsed.Entries))
	for i, e := range parsed.Entries {
		if !common.IsHexAddress(e.Account) {
			return fmt.Errorf("invalid account: %s", e.Account)
		}
		amount, err := uint256.FromDecimal(e.Amount)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", e.Amount, err)
		}
		entries[i] = Entry{Index: e.Index, Account: common.HexToAddress(e.Account), Amount: amount}
	}

	built, err := Build(entries)
	if err != nil {
		return err
	}
	if parsed.Root != "" && built.Root() != common.HexToHash(parsed.Root) {
		return fmt.Errorf("root mismatch: stored %s, rebuilt %s", parsed.Root, built.Root().Hex())
	}
	*t = *built
	return nil
}
