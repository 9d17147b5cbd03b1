package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"merkle-vesting-service/merkle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	FormatBalanceMap = "balance-map"
	FormatCSV        = "csv"
	FormatTree       = "tree"
)

var ErrBadAllocation = errors.New("malformed allocation list")

// extractor turns an allocation source into a built distribution.
type extractor interface {
	Extract(r io.Reader) (*merkle.Distribution, error)
}

func getExtractor(name string) (extractor, error) {
	switch name {
	case FormatBalanceMap, "":
		return &balanceMapExtractor{}, nil
	case FormatCSV:
		return &csvExtractor{}, nil
	case FormatTree:
		return &treeExtractor{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrBadAllocation, name)
	}
}

// LoadAllocations reads an allocation source in the named format.
func LoadAllocations(format string, r io.Reader) (*merkle.Distribution, error) {
	ex, err := getExtractor(format)
	if err != nil {
		return nil, err
	}
	return ex.Extract(r)
}

func buildAndStore(ctx context.Context, repo Repository, format string, r io.Reader) (*merkle.Distribution, error) {
	dist, err := LoadAllocations(format, r)
	if err != nil {
		return nil, err
	}
	if err := repo.SaveTree(ctx, dist.Tree); err != nil {
		return nil, err
	}
	return dist, nil
}

// balanceMapExtractor reads a JSON object of account to amount. Amounts may
// be decimal strings, 0x-prefixed hex strings or JSON numbers.
type balanceMapExtractor struct{}

func (e *balanceMapExtractor) Extract(r io.Reader) (*merkle.Distribution, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAllocation, err)
	}

	balances := make(map[common.Address]*uint256.Int, len(raw))
	for key, value := range raw {
		if !common.IsHexAddress(key) {
			return nil, fmt.Errorf("%w: invalid account %q", ErrBadAllocation, key)
		}
		account := common.HexToAddress(key)
		if _, dup := balances[account]; dup {
			return nil, fmt.Errorf("%w: duplicate account %s", ErrBadAllocation, account.Hex())
		}
		var text string
		switch v := value.(type) {
		case string:
			text = v
		case json.Number:
			text = v.String()
		default:
			return nil, fmt.Errorf("%w: amount for %s is %T", ErrBadAllocation, account.Hex(), value)
		}
		amount, err := parseAmount(text)
		if err != nil {
			return nil, fmt.Errorf("%w: amount for %s: %v", ErrBadAllocation, account.Hex(), err)
		}
		balances[account] = amount
	}
	return merkle.ParseBalanceMap(balances)
}

// csvExtractor reads index,account,amount rows. A header row is skipped.
type csvExtractor struct{}

func (e *csvExtractor) Extract(r io.Reader) (*merkle.Distribution, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var entries []merkle.Entry
	seen := make(map[common.Address]uint64)
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadAllocation, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "index") {
			continue
		}

		index, err := strconv.ParseUint(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: index: %v", ErrBadAllocation, line, err)
		}
		if index != uint64(len(entries)) {
			return nil, fmt.Errorf("%w: line %d: index %d out of sequence", ErrBadAllocation, line, index)
		}
		account := strings.TrimSpace(record[1])
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("%w: line %d: invalid account %q", ErrBadAllocation, line, account)
		}
		amount, err := parseAmount(record[2])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: amount: %v", ErrBadAllocation, line, err)
		}
		if amount.IsZero() {
			return nil, fmt.Errorf("%w: line %d: %w", ErrBadAllocation, line, merkle.ErrZeroAmount)
		}
		addr := common.HexToAddress(account)
		if prev, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%w: line %d: %s already allocated at index %d", ErrBadAllocation, line, addr.Hex(), prev)
		}
		seen[addr] = index
		entries = append(entries, merkle.Entry{Index: index, Account: addr, Amount: amount})
	}
	return merkle.NewDistribution(entries)
}

// treeExtractor reloads a tree previously written with merkle's JSON form.
type treeExtractor struct{}

func (e *treeExtractor) Extract(r io.Reader) (*merkle.Distribution, error) {
	tree := new(merkle.Tree)
	if err := json.NewDecoder(r).Decode(tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAllocation, err)
	}
	dist, err := merkle.NewDistribution(tree.Entries())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAllocation, err)
	}
	return dist, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}
