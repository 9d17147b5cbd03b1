package authz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob   = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

func newAuthorizer(t *testing.T) *Authorizer {
	t.Helper()
	a, err := New(context.Background(), []common.Address{admin})
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	return a
}

func TestDefaultPolicy(t *testing.T) {
	a := newAuthorizer(t)

	tests := []struct {
		name  string
		req   Request
		allow bool
	}{
		{"admin revokes", Request{Action: ActionRevoke, Caller: admin, Beneficiary: alice}, true},
		{"admin withdraws", Request{Action: ActionWithdraw, Caller: admin}, true},
		{"admin transfers", Request{Action: ActionTransfer, Caller: admin, Beneficiary: alice}, true},
		{"beneficiary transfers", Request{Action: ActionTransfer, Caller: alice, Beneficiary: alice}, true},
		{"stranger transfers", Request{Action: ActionTransfer, Caller: bob, Beneficiary: alice}, false},
		{"beneficiary revokes", Request{Action: ActionRevoke, Caller: alice, Beneficiary: alice}, false},
		{"stranger withdraws", Request{Action: ActionWithdraw, Caller: bob}, false},
		{"zero caller transfers", Request{Action: ActionTransfer, Beneficiary: alice}, false},
		{"unknown action", Request{Action: "mint", Caller: admin}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(context.Background(), tt.req)
			if tt.allow && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tt.allow && !errors.Is(err, ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
		})
	}
}

func TestNoAdminsDeniesAdminActions(t *testing.T) {
	a, err := New(context.Background(), nil)
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	if err := a.Authorize(context.Background(), Request{Action: ActionWithdraw, Caller: admin}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.rego")
	policy := "package vesting.authz\n\ndefault allow := true\n"
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	a, err := NewFromFile(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if err := a.Authorize(context.Background(), Request{Action: ActionRevoke, Caller: bob}); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	if _, err := NewWithPolicy(context.Background(), "package vesting.authz\nallow if {", nil); err == nil {
		t.Fatal("expected compile error")
	}
}
