package authz

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/open-policy-agent/opa/rego"
)

const query = "data.vesting.authz.allow"

//go:embed policy.rego
var defaultPolicy string

var ErrForbidden = errors.New("forbidden")

type Action string

const (
	ActionTransfer Action = "transfer"
	ActionRevoke   Action = "revoke"
	ActionWithdraw Action = "withdraw"
)

// Request is the policy input. Beneficiary is only set for position actions.
type Request struct {
	Action      Action
	Caller      common.Address
	Beneficiary common.Address
}

// Authorizer decides who controls a position or the distribution.
// Callers are opaque account ids; authentication happens upstream.
type Authorizer struct {
	query  rego.PreparedEvalQuery
	admins []string
}

// New prepares the built-in policy.
func New(ctx context.Context, admins []common.Address) (*Authorizer, error) {
	return NewWithPolicy(ctx, defaultPolicy, admins)
}

// NewFromFile prepares a policy read from path. An empty path selects the
// built-in policy.
func NewFromFile(ctx context.Context, path string, admins []common.Address) (*Authorizer, error) {
	if path == "" {
		return New(ctx, admins)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewWithPolicy(ctx, string(data), admins)
}

func NewWithPolicy(ctx context.Context, policy string, admins []common.Address) (*Authorizer, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("authz.rego", policy),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}

	hexAdmins := make([]string, 0, len(admins))
	for _, a := range admins {
		if a != (common.Address{}) {
			hexAdmins = append(hexAdmins, a.Hex())
		}
	}
	return &Authorizer{query: prepared, admins: hexAdmins}, nil
}

// Authorize returns nil when the policy allows req and ErrForbidden otherwise.
func (a *Authorizer) Authorize(ctx context.Context, req Request) error {
	input := map[string]any{
		"action": string(req.Action),
		"caller": req.Caller.Hex(),
		"admins": a.admins,
	}
	if req.Beneficiary != (common.Address{}) {
		input["beneficiary"] = req.Beneficiary.Hex()
	} else {
		input["beneficiary"] = ""
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if !results.Allowed() {
		return fmt.Errorf("%w: %s may not %s", ErrForbidden, strings.ToLower(req.Caller.Hex()), req.Action)
	}
	return nil
}
