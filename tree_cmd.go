package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"merkle-vesting-service/merkle"
	"merkle-vesting-service/service"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
)

type treeClaim struct {
	Index  uint64        `json:"index"`
	Amount string        `json:"amount"`
	Proof  []common.Hash `json:"proof"`
}

type treeOutput struct {
	MerkleRoot common.Hash                  `json:"merkleRoot"`
	TokenTotal string                       `json:"tokenTotal"`
	Claims     map[common.Address]treeClaim `json:"claims"`
}

func newTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Build and check allocation trees offline",
	}
	cmd.AddCommand(newTreeBuildCmd(), newTreeVerifyCmd())
	return cmd
}

func newTreeBuildCmd() *cobra.Command {
	var file, format, out string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a tree from an allocation list and print the root with every claim proof",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(file)
			if err != nil {
				return err
			}
			defer in.Close()

			dist, err := service.LoadAllocations(format, in)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return writeTree(w, dist)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "allocation list")
	cmd.Flags().StringVar(&format, "format", service.FormatBalanceMap, "balance-map, csv or tree")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the result here instead of stdout")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newTreeVerifyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every claim in a build result against its root",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var result treeOutput
			if err := json.Unmarshal(data, &result); err != nil {
				return err
			}
			bad, err := verifyTree(result)
			if err != nil {
				return err
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d claims do not verify against %s", bad, len(result.Claims), result.MerkleRoot.Hex())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "root %s verified for %d claims\n", result.MerkleRoot.Hex(), len(result.Claims))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "output of tree build")
	cmd.MarkFlagRequired("file")
	return cmd
}

func writeTree(w io.Writer, dist *merkle.Distribution) error {
	out := treeOutput{
		MerkleRoot: dist.Root,
		TokenTotal: dist.Total.Dec(),
		Claims:     make(map[common.Address]treeClaim, len(dist.Claims)),
	}
	for account, c := range dist.Claims {
		out.Claims[account] = treeClaim{Index: c.Index, Amount: c.Amount.Dec(), Proof: c.Proof}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// verifyTree returns how many claims fail, and an error if the claims do not
// add up to the stated total.
func verifyTree(result treeOutput) (int, error) {
	total := new(uint256.Int)
	bad := 0
	for account, c := range result.Claims {
		amount, err := uint256.FromDecimal(c.Amount)
		if err != nil {
			return 0, fmt.Errorf("claim for %s: %w", account.Hex(), err)
		}
		if !merkle.VerifyProof(c.Index, account, amount, c.Proof, result.MerkleRoot) {
			bad++
		}
		total.Add(total, amount)
	}
	if total.Dec() != result.TokenTotal {
		return bad, fmt.Errorf("claims sum to %s, token total is %s", total.Dec(), result.TokenTotal)
	}
	return bad, nil
}
