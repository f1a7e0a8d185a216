package config

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"marketnode/crypto"
)

// NegotiatorConfig bounds the negotiator pipeline components wired in
// market/negotiation/pipeline.go: the provider's concurrent-agreement cap,
// the allowed agreement-duration window, the debit-note interval range, and
// the payment-timeout range plus the agreement-duration threshold above
// which a payment timeout becomes mandatory.
type NegotiatorConfig struct {
	ConcurrentAgreementLimit int           `toml:"ConcurrentAgreementLimit"`
	ExpirationMin            time.Duration `toml:"ExpirationMin"`
	ExpirationMax            time.Duration `toml:"ExpirationMax"`
	DebitNoteIntervalMin     time.Duration `toml:"DebitNoteIntervalMin"`
	DebitNoteIntervalMax     time.Duration `toml:"DebitNoteIntervalMax"`
	DebitNoteInterval        time.Duration `toml:"DebitNoteInterval"`
	PaymentTimeoutMin        time.Duration `toml:"PaymentTimeoutMin"`
	PaymentTimeoutMax        time.Duration `toml:"PaymentTimeoutMax"`
	PaymentTimeoutRequiredFrom time.Duration `toml:"PaymentTimeoutRequiredFrom"`
}

// DriverConfig configures one payment.Driver instance: which platform
// string it answers RetrieveOffers/proposal property matches to, the RPC
// endpoint it dials, the on-chain token contract, and the confirmation
// depth below which a settlement is not final.
type DriverConfig struct {
	Platform              string `toml:"Platform"`
	RPCEndpoint           string `toml:"RPCEndpoint"`
	TokenContract         string `toml:"TokenContract"`
	TokenDecimals         int32  `toml:"TokenDecimals"`
	TransferGasLimit      uint64 `toml:"TransferGasLimit"`
	RequiredConfirmations uint64 `toml:"RequiredConfirmations"`
}

// Config is marketd's node configuration.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	RESTAddress    string   `toml:"RESTAddress"`
	DataDir        string   `toml:"DataDir"`
	NetworkID      string   `toml:"NetworkID"`
	NodeKey        string   `toml:"NodeKey"` // hex-encoded identity private key
	Bootnodes      []string `toml:"Bootnodes"`
	PersistentPeers []string `toml:"PersistentPeers"`

	Negotiator NegotiatorConfig `toml:"Negotiator"`
	Drivers    []DriverConfig   `toml:"Drivers"`
}

// IdentityKey decodes NodeKey into a usable private key.
func (c *Config) IdentityKey() (*crypto.PrivateKey, error) {
	raw, err := hex.DecodeString(c.NodeKey)
	if err != nil {
		return nil, err
	}
	return crypto.PrivateKeyFromBytes(raw)
}

// Load loads the marketd configuration from path, generating a fresh node
// identity key and a default file on first run exactly as the teacher's
// loader does for its validator key.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.NodeKey == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		cfg.NodeKey = hex.EncodeToString(key.Bytes())

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":6001",
		RESTAddress:   ":8080",
		DataDir:       "./marketd-data",
		NetworkID:     "mainnet",
		NodeKey:       hex.EncodeToString(key.Bytes()),
		Bootnodes:     []string{},
		Negotiator: NegotiatorConfig{
			ConcurrentAgreementLimit:   64,
			ExpirationMin:              time.Minute,
			ExpirationMax:              30 * 24 * time.Hour,
			DebitNoteIntervalMin:       10 * time.Second,
			DebitNoteIntervalMax:       time.Hour,
			DebitNoteInterval:          time.Minute,
			PaymentTimeoutMin:          time.Minute,
			PaymentTimeoutMax:          24 * time.Hour,
			PaymentTimeoutRequiredFrom: time.Hour,
		},
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
