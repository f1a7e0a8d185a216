package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeKey == "" {
		t.Fatal("expected a generated node key")
	}
	if cfg.NetworkID == "" {
		t.Fatal("expected a default network id")
	}
	if cfg.Negotiator.ConcurrentAgreementLimit <= 0 {
		t.Fatalf("expected a positive default concurrent agreement limit, got %d", cfg.Negotiator.ConcurrentAgreementLimit)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}

	if _, err := cfg.IdentityKey(); err != nil {
		t.Fatalf("decode identity key: %v", err)
	}
}

func TestLoadParsesNegotiatorAndDriverSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "0.0.0.0:7000"
RESTAddress = "0.0.0.0:9000"
DataDir = "./data"
NetworkID = "testnet"
Bootnodes = ["0xabc@seed-1.example:7000"]
PersistentPeers = ["0xdef@peer-1.example:7000"]

[Negotiator]
ConcurrentAgreementLimit = 16
ExpirationMin = "1m"
ExpirationMax = "720h"
DebitNoteIntervalMin = "10s"
DebitNoteIntervalMax = "1h"
DebitNoteInterval = "30s"
PaymentTimeoutMin = "1m"
PaymentTimeoutMax = "24h"
PaymentTimeoutRequiredFrom = "1h"

[[Drivers]]
Platform = "erc20-mainnet"
RPCEndpoint = "https://rpc.example/v1"
TokenContract = "0x0000000000000000000000000000000000000001"
TokenDecimals = 18
TransferGasLimit = 90000
RequiredConfirmations = 12
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Negotiator.ConcurrentAgreementLimit != 16 {
		t.Fatalf("unexpected concurrent agreement limit: %d", cfg.Negotiator.ConcurrentAgreementLimit)
	}
	if cfg.Negotiator.ExpirationMin != time.Minute || cfg.Negotiator.ExpirationMax != 720*time.Hour {
		t.Fatalf("unexpected expiration bounds: %+v", cfg.Negotiator)
	}
	if cfg.Negotiator.DebitNoteIntervalMin != 10*time.Second || cfg.Negotiator.DebitNoteIntervalMax != time.Hour {
		t.Fatalf("unexpected debit note interval bounds: %+v", cfg.Negotiator)
	}
	if cfg.Negotiator.PaymentTimeoutMin != time.Minute || cfg.Negotiator.PaymentTimeoutMax != 24*time.Hour {
		t.Fatalf("unexpected payment timeout bounds: %+v", cfg.Negotiator)
	}
	if len(cfg.Bootnodes) != 1 || cfg.Bootnodes[0] != "0xabc@seed-1.example:7000" {
		t.Fatalf("unexpected bootnodes: %v", cfg.Bootnodes)
	}
	if len(cfg.PersistentPeers) != 1 {
		t.Fatalf("unexpected persistent peers: %v", cfg.PersistentPeers)
	}
	if len(cfg.Drivers) != 1 {
		t.Fatalf("expected one driver section, got %d", len(cfg.Drivers))
	}
	d := cfg.Drivers[0]
	if d.Platform != "erc20-mainnet" || d.RequiredConfirmations != 12 || d.TokenDecimals != 18 {
		t.Fatalf("unexpected driver config: %+v", d)
	}

	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("expected a valid config, got %v", err)
	}
}

func TestLoadPreservesExistingNodeKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	first, err := Load(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := Load(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.NodeKey != second.NodeKey {
		t.Fatalf("expected the node key to persist across loads, got %s then %s", first.NodeKey, second.NodeKey)
	}
}

func TestValidateConfigRejectsInvertedBounds(t *testing.T) {
	cfg := &Config{Negotiator: NegotiatorConfig{
		ExpirationMin: time.Hour,
		ExpirationMax: time.Minute,
	}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected an error for expiration_min > expiration_max")
	}
}

func TestValidateConfigRejectsDuplicateDriverPlatform(t *testing.T) {
	cfg := &Config{Drivers: []DriverConfig{
		{Platform: "erc20-mainnet", RequiredConfirmations: 1},
		{Platform: "erc20-mainnet", RequiredConfirmations: 1},
	}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected an error for a duplicate driver platform")
	}
}

func TestValidateConfigRejectsZeroConfirmations(t *testing.T) {
	cfg := &Config{Drivers: []DriverConfig{{Platform: "erc20-mainnet", RequiredConfirmations: 0}}}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("expected an error for zero required confirmations")
	}
}

func ExampleLoad() {
	dir, _ := os.MkdirTemp("", "marketd-config")
	defer os.RemoveAll(dir)
	cfg, err := Load(filepath.Join(dir, "config.toml"))
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(cfg.ListenAddress != "")
	// Output: true
}
