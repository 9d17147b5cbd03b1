package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"merkle-vesting-service/service"
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
)

const poolHex = "0x00000000000000000000000000000000000000f0"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ALLOCATIONS_FILE", "allocations.json")
	t.Setenv("POOL_ACCOUNT", poolHex)
	t.Setenv("PERIOD_UNIT", "week")
	t.Setenv("DURATION_PERIODS", "10")
	t.Setenv("CLIFF_PERIODS", "2")
	t.Setenv("UPFRONT_PCT", "2000000000")
	t.Setenv("CLAIM_DEADLINE", "2025-06-01T00:00:00Z")
	t.Setenv("ADMIN_ACCOUNTS", "0x00000000000000000000000000000000000000ad, 0x00000000000000000000000000000000000000ae")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8090 {
		t.Fatalf("default port: %d", cfg.Port)
	}
	want := vesting.Schedule{UpfrontPct: 2_000_000_000, PeriodUnit: vesting.Week, DurationInPeriods: 10, CliffInPeriods: 2}
	if cfg.Schedule != want {
		t.Fatalf("schedule %+v, want %+v", cfg.Schedule, want)
	}
	if !cfg.ClaimDeadline.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("deadline %s", cfg.ClaimDeadline)
	}
	if len(cfg.Admins()) != 2 || cfg.Pool() != common.HexToAddress(poolHex) {
		t.Fatalf("accounts: pool %s admins %v", cfg.Pool().Hex(), cfg.Admins())
	}
}

func TestLoadConfigYAMLWithEnvOverride(t *testing.T) {
	path := writeFile(t, "config.yaml", `
port: 9000
data_dir: /var/lib/vesting
allocations_file: allocations.csv
allocations_format: csv
pool_account: `+poolHex+`
schedule:
  upfront_pct: 0
  period_unit: month
  duration_in_periods: 12
  cliff_in_periods: 3
relay_interval: 250ms
`)
	t.Setenv("PORT", "9100")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env should override port, got %d", cfg.Port)
	}
	if cfg.AllocationsFormat != service.FormatCSV || cfg.DataDir != "/var/lib/vesting" {
		t.Fatalf("unexpected %+v", cfg)
	}
	if cfg.Schedule.PeriodUnit != vesting.Month || cfg.Schedule.DurationInPeriods != 12 || cfg.Schedule.CliffInPeriods != 3 {
		t.Fatalf("schedule %+v", cfg.Schedule)
	}
	if cfg.RelayInterval != 250*time.Millisecond {
		t.Fatalf("relay interval %s", cfg.RelayInterval)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing allocations", map[string]string{"POOL_ACCOUNT": poolHex}},
		{"bad pool", map[string]string{"ALLOCATIONS_FILE": "a.json", "POOL_ACCOUNT": "pool"}},
		{"cliff after duration", map[string]string{"ALLOCATIONS_FILE": "a.json", "POOL_ACCOUNT": poolHex, "DURATION_PERIODS": "2", "CLIFF_PERIODS": "3"}},
		{"bad unit", map[string]string{"ALLOCATIONS_FILE": "a.json", "POOL_ACCOUNT": poolHex, "PERIOD_UNIT": "fortnight"}},
		{"bad deadline", map[string]string{"ALLOCATIONS_FILE": "a.json", "POOL_ACCOUNT": poolHex, "CLAIM_DEADLINE": "tomorrow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestTreeBuildThenVerify(t *testing.T) {
	input := writeFile(t, "balances.json", `{
		"0x000000000000000000000000000000000000000a": "100",
		"0x000000000000000000000000000000000000000b": "101",
		"0x000000000000000000000000000000000000000c": "5"
	}`)
	out := filepath.Join(t.TempDir(), "tree.json")

	root := newRootCmd()
	root.SetArgs([]string{"tree", "build", "--file", input, "--out", out})
	if err := root.Execute(); err != nil {
		t.Fatalf("build: %v", err)
	}

	var stdout bytes.Buffer
	root = newRootCmd()
	root.SetOut(&stdout)
	root.SetArgs([]string{"tree", "verify", "--file", out})
	if err := root.Execute(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(stdout.String(), "verified for 3 claims") {
		t.Fatalf("unexpected output %q", stdout.String())
	}

	data, _ := os.ReadFile(out)
	var result treeOutput
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.TokenTotal != "206" {
		t.Fatalf("token total %s", result.TokenTotal)
	}
	tampered := result.Claims[common.HexToAddress("0x000000000000000000000000000000000000000a")]
	tampered.Amount = "1000"
	result.Claims[common.HexToAddress("0x000000000000000000000000000000000000000a")] = tampered
	result.TokenTotal = "1106"
	bad, err := verifyTree(result)
	if err != nil || bad != 1 {
		t.Fatalf("expected one failing claim, got %d (%v)", bad, err)
	}
}
