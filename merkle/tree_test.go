package merkle

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	accountA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	accountB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func twoEntries() []Entry {
	return []Entry{
		{Index: 0, Account: accountA, Amount: uint256.NewInt(100)},
		{Index: 1, Account: accountB, Amount: uint256.NewInt(101)},
	}
}

func sequentialEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		var account common.Address
		account[19] = byte(i)
		account[18] = byte(i >> 8)
		entries[i] = Entry{Index: uint64(i), Account: account, Amount: uint256.NewInt(uint64(i + 1))}
	}
	return entries
}

func TestLeafHashLayout(t *testing.T) {
	var buf []byte
	buf = append(buf, common.LeftPadBytes([]byte{0x07}, 32)...)
	buf = append(buf, accountA.Bytes()...)
	buf = append(buf, common.LeftPadBytes([]byte{0x01, 0x00}, 32)...)
	want := crypto.Keccak256Hash(buf)

	got := LeafHash(7, accountA, uint256.NewInt(256))
	if got != want {
		t.Fatalf("leaf hash mismatch: got %s want %s", got.Hex(), want.Hex())
	}
}

func TestHashPairIsOrderIndependent(t *testing.T) {
	a := crypto.Keccak256Hash([]byte("a"))
	b := crypto.Keccak256Hash([]byte("b"))
	if HashPair(a, b) != HashPair(b, a) {
		t.Fatal("expected sorted pair combine")
	}
}

func TestTwoAccountTree(t *testing.T) {
	tree, err := Build(twoEntries())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	leaf0 := LeafHash(0, accountA, uint256.NewInt(100))
	leaf1 := LeafHash(1, accountB, uint256.NewInt(101))
	if tree.Root() != HashPair(leaf0, leaf1) {
		t.Fatal("root mismatch")
	}

	proof, err := tree.Proof(0, accountA, uint256.NewInt(100))
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 1 || proof[0] != leaf1 {
		t.Fatalf("unexpected proof %v", proof)
	}
	if !VerifyProof(0, accountA, uint256.NewInt(100), proof, tree.Root()) {
		t.Fatal("expected proof to verify")
	}
	if VerifyProof(1, accountB, uint256.NewInt(101), proof, tree.Root()) {
		t.Fatal("proof for index 0 must not verify index 1")
	}
	if VerifyProof(0, accountA, uint256.NewInt(101), proof, tree.Root()) {
		t.Fatal("proof must not verify a larger amount")
	}
}

func TestOddLayerPromotesLoneNode(t *testing.T) {
	entries := sequentialEntries(3)
	tree, err := Build(entries)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	l0 := LeafHash(0, entries[0].Account, entries[0].Amount)
	l1 := LeafHash(1, entries[1].Account, entries[1].Amount)
	l2 := LeafHash(2, entries[2].Account, entries[2].Amount)
	if tree.Root() != HashPair(HashPair(l0, l1), l2) {
		t.Fatal("lone node must be promoted unduplicated")
	}

	proof, err := tree.Proof(2, entries[2].Account, entries[2].Amount)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 1 || proof[0] != HashPair(l0, l1) {
		t.Fatalf("unexpected proof for lone leaf: %v", proof)
	}
}

func TestSingleEntryTree(t *testing.T) {
	tree, err := Build(twoEntries()[:1])
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.Proof(0, accountA, uint256.NewInt(100))
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("expected empty proof, got %d hashes", len(proof))
	}
	if !VerifyProof(0, accountA, uint256.NewInt(100), proof, tree.Root()) {
		t.Fatal("expected single leaf to verify against itself")
	}
}

func TestBuildEmpty(t *testing.T) {
	if _, err := Build(nil); !errors.Is(err, ErrEmptyTree) {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
}

func TestProofCompletenessAndDeterminism(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13, 100, 257} {
		entries := sequentialEntries(n)
		first, err := Build(entries)
		if err != nil {
			t.Fatalf("n=%d build: %v", n, err)
		}
		second, err := Build(sequentialEntries(n))
		if err != nil {
			t.Fatalf("n=%d rebuild: %v", n, err)
		}
		if first.Root() != second.Root() {
			t.Fatalf("n=%d root not deterministic", n)
		}
		for _, e := range entries {
			proof, err := first.Proof(e.Index, e.Account, e.Amount)
			if err != nil {
				t.Fatalf("n=%d index %d proof: %v", n, e.Index, err)
			}
			if !VerifyProof(e.Index, e.Account, e.Amount, proof, first.Root()) {
				t.Fatalf("n=%d index %d proof did not verify", n, e.Index)
			}
		}
	}
}

func TestProofSoundness(t *testing.T) {
	entries := sequentialEntries(50)
	tree, err := Build(entries)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		e := entries[rng.Intn(len(entries))]
		proof, err := tree.Proof(e.Index, e.Account, e.Amount)
		if err != nil {
			t.Fatalf("proof: %v", err)
		}

		wrongAmount := new(uint256.Int).AddUint64(e.Amount, uint64(rng.Intn(10)+1))
		if VerifyProof(e.Index, e.Account, wrongAmount, proof, tree.Root()) {
			t.Fatalf("index %d verified with wrong amount", e.Index)
		}
		wrongIndex := e.Index + uint64(rng.Intn(10)+1)
		if VerifyProof(wrongIndex, e.Account, e.Amount, proof, tree.Root()) {
			t.Fatalf("index %d verified under index %d", e.Index, wrongIndex)
		}
		if VerifyProof(e.Index, accountA, e.Amount, proof, tree.Root()) {
			t.Fatalf("index %d verified for foreign account", e.Index)
		}
	}
	if VerifyProof(0, accountA, nil, nil, tree.Root()) {
		t.Fatal("nil amount must not verify")
	}
}

func TestProofEntryNotFound(t *testing.T) {
	tree, err := Build(twoEntries())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := tree.Proof(0, accountB, uint256.NewInt(100)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if _, err := tree.Proof(2, accountA, uint256.NewInt(100)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestTreeJSONRoundTripKeepsRoot(t *testing.T) {
	tree, err := Build(sequentialEntries(7))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored Tree
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.Root() != tree.Root() {
		t.Fatal("restored root mismatch")
	}

	tampered := []byte(`{"root":"0x01","entries":[{"index":0,"account":"0x00000000000000000000000000000000000000aa","amount":"1"}]}`)
	if err := json.Unmarshal(tampered, &restored); err == nil {
		t.Fatal("expected root mismatch error")
	}
}
