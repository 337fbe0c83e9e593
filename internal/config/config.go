// Package config loads storefront service configuration.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultUnitPrice is the fixed price of one token in wei. It is
// configuration, not a market quote; callers must not assume it floats.
const DefaultUnitPrice = "100000000000000"

// Config holds the full service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Chain    ChainConfig    `yaml:"chain"`
	Backend  BackendConfig  `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	Purchase PurchaseConfig `yaml:"purchase"`
}

// ChainConfig configures the blockchain RPC client.
type ChainConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	CoinContract   string `yaml:"coin_contract"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// BackendConfig configures the hosted backend (REST + realtime).
type BackendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// PostgresConfig configures the ownership record database.
type PostgresConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// PurchaseConfig configures the purchase orchestrator.
type PurchaseConfig struct {
	// UnitPrice is the wei cost of a single token, as a decimal string.
	UnitPrice string `yaml:"unit_price"`
	// CollectionAddress receives asset payments.
	CollectionAddress string `yaml:"collection_address"`
	// TokenConfirmations is the confirmation depth for token purchases.
	TokenConfirmations int `yaml:"token_confirmations"`
	// AssetConfirmations is the confirmation depth for asset purchases.
	AssetConfirmations int `yaml:"asset_confirmations"`
	// ExplorerURLTemplate formats a transaction hash into an explorer link.
	ExplorerURLTemplate string `yaml:"explorer_url_template"`
}

// Load reads and validates configuration from a yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads config from path, falling back to defaults plus
// environment overrides when the file is missing.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		def := Default()
		def.applyEnv()
		return def
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Chain.TimeoutSeconds == 0 {
		c.Chain.TimeoutSeconds = 30
	}
	if c.Purchase.UnitPrice == "" {
		c.Purchase.UnitPrice = DefaultUnitPrice
	}
	if c.Purchase.TokenConfirmations == 0 {
		c.Purchase.TokenConfirmations = 4
	}
	if c.Purchase.AssetConfirmations == 0 {
		c.Purchase.AssetConfirmations = 1
	}
	if c.Purchase.ExplorerURLTemplate == "" {
		c.Purchase.ExplorerURLTemplate = "https://rinkeby.etherscan.io/tx/%s"
	}
	if c.Postgres.MigrationsDir == "" {
		c.Postgres.MigrationsDir = "migrations"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STOREFRONT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("COIN_CONTRACT_ADDRESS"); v != "" {
		c.Chain.CoinContract = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("BACKEND_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
}

// Validate checks that required fields are set and well formed.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain: rpc_url is required")
	}
	if c.Chain.CoinContract == "" {
		return fmt.Errorf("chain: coin_contract is required")
	}
	if _, ok := new(big.Int).SetString(c.Purchase.UnitPrice, 10); !ok {
		return fmt.Errorf("purchase: unit_price %q is not a decimal integer", c.Purchase.UnitPrice)
	}
	if c.Purchase.TokenConfirmations < 1 {
		return fmt.Errorf("purchase: token_confirmations must be >= 1")
	}
	if c.Purchase.AssetConfirmations < 1 {
		return fmt.Errorf("purchase: asset_confirmations must be >= 1")
	}
	return nil
}

// UnitPriceWei returns the configured unit price as a big integer.
func (c *Config) UnitPriceWei() *big.Int {
	price, _ := new(big.Int).SetString(c.Purchase.UnitPrice, 10)
	return price
}
