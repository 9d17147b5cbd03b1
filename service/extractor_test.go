package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"merkle-vesting-service/merkle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestBalanceMapExtractor(t *testing.T) {
	input := `{
		"0x000000000000000000000000000000000000000b": "200",
		"0x000000000000000000000000000000000000000a": "0x64",
		"0x000000000000000000000000000000000000000c": 5
	}`
	dist, err := LoadAllocations(FormatBalanceMap, strings.NewReader(input))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if dist.Total.Uint64() != 305 {
		t.Fatalf("total: %s", dist.Total.Dec())
	}
	for account, wantIndex := range map[string]uint64{
		"0x000000000000000000000000000000000000000A": 0,
		"0x000000000000000000000000000000000000000B": 1,
		"0x000000000000000000000000000000000000000C": 2,
	} {
		claim, ok := dist.Claims[common.HexToAddress(account)]
		if !ok {
			t.Fatalf("missing claim for %s", account)
		}
		if claim.Index != wantIndex {
			t.Fatalf("%s: index %d, want %d", account, claim.Index, wantIndex)
		}
		if !merkle.VerifyProof(claim.Index, common.HexToAddress(account), claim.Amount, claim.Proof, dist.Root) {
			t.Fatalf("%s: proof does not verify", account)
		}
	}
}

func TestBalanceMapExtractorRejectsBadInput(t *testing.T) {
	for name, input := range map[string]string{
		"not json":    `[`,
		"bad account": `{"alice": "1"}`,
		"bad amount":  `{"0x000000000000000000000000000000000000000a": "ten"}`,
		"zero amount": `{"0x000000000000000000000000000000000000000a": "0"}`,
		"bool amount": `{"0x000000000000000000000000000000000000000a": true}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadAllocations(FormatBalanceMap, strings.NewReader(input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCSVExtractor(t *testing.T) {
	input := "index,account,amount\n" +
		"0,0x000000000000000000000000000000000000000a,100\n" +
		"# comment\n" +
		"1, 0x000000000000000000000000000000000000000b, 101\n"
	dist, err := LoadAllocations(FormatCSV, strings.NewReader(input))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want, _ := merkle.Build(scenarioEntries())
	if dist.Root != want.Root() {
		t.Fatalf("root %s, want %s", dist.Root.Hex(), want.Root().Hex())
	}
}

func TestCSVExtractorRequiresDenseIndices(t *testing.T) {
	input := "0,0x000000000000000000000000000000000000000a,100\n" +
		"2,0x000000000000000000000000000000000000000b,101\n"
	_, err := LoadAllocations(FormatCSV, strings.NewReader(input))
	if !errors.Is(err, ErrBadAllocation) {
		t.Fatalf("expected ErrBadAllocation, got %v", err)
	}
}

func TestCSVExtractorRejectsRepeatedAccount(t *testing.T) {
	input := "0,0x000000000000000000000000000000000000000a,100\n" +
		"1,0x000000000000000000000000000000000000000A,50\n"
	_, err := LoadAllocations(FormatCSV, strings.NewReader(input))
	if !errors.Is(err, ErrBadAllocation) {
		t.Fatalf("expected ErrBadAllocation, got %v", err)
	}
}

func TestTreeExtractorRejectsRepeatedAccount(t *testing.T) {
	tree, _ := merkle.Build([]merkle.Entry{
		{Index: 0, Account: alice, Amount: uint256.NewInt(100)},
		{Index: 1, Account: alice, Amount: uint256.NewInt(50)},
	})
	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = LoadAllocations(FormatTree, bytes.NewReader(data))
	if !errors.Is(err, ErrBadAllocation) || !errors.Is(err, merkle.ErrDuplicateAccount) {
		t.Fatalf("expected duplicate account error, got %v", err)
	}
}

func TestTreeExtractorRoundTrip(t *testing.T) {
	tree, _ := merkle.Build(scenarioEntries())
	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	dist, err := LoadAllocations(FormatTree, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if dist.Root != tree.Root() {
		t.Fatal("root changed across tree round trip")
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := LoadAllocations("xml", strings.NewReader("")); err == nil {
		t.Fatal("expected unknown format error")
	}
}

func TestBuildTreeStoresUnderRoot(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), Config{}, scenarioEntries())
	input := `{"0x000000000000000000000000000000000000000c": "7"}`
	dist, err := f.d.BuildTree(context.Background(), FormatBalanceMap, strings.NewReader(input))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	stored, err := f.d.GetTree(context.Background(), dist.Root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Root() != dist.Root {
		t.Fatal("stored tree has a different root")
	}
	if f.d.Root() == dist.Root {
		t.Fatal("building a tree must not replace the live distribution")
	}
	if _, err := f.d.GetTree(context.Background(), common.BytesToHash(carol.Bytes())); !errors.Is(err, ErrTreeNotFound) {
		t.Fatalf("expected ErrTreeNotFound, got %v", err)
	}
}
