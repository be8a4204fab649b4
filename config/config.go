package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowcore/crypto"
)

// Config captures the runtime configuration of the escrow daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	ServiceName   string `toml:"ServiceName"`
	Environment   string `toml:"Environment"`
	// RPCTokenEnv names the environment variable holding the bearer token
	// required for mutating RPC methods. The token itself never lives in
	// the config file.
	RPCTokenEnv string `toml:"RPCTokenEnv"`
	// Alloc maps bech32 addresses to decimal amounts credited once, on the
	// daemon's first start against an empty data dir.
	Alloc map[string]string `toml:"Alloc"`
}

// Allocation is one parsed genesis credit.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if _, err := cfg.GenesisAlloc(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenesisAlloc parses and validates the Alloc table.
func (c *Config) GenesisAlloc() ([]Allocation, error) {
	out := make([]Allocation, 0, len(c.Alloc))
	for addrStr, amountStr := range c.Alloc {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(addrStr))
		if err != nil {
			return nil, fmt.Errorf("alloc address %q: %w", addrStr, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(amountStr), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("alloc amount %q for %s must be a positive integer", amountStr, addrStr)
		}
		out = append(out, Allocation{Address: addr.Bytes(), Amount: amount})
	}
	return out, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "escrowd"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if strings.TrimSpace(cfg.RPCTokenEnv) == "" {
		cfg.RPCTokenEnv = "ESCROWD_RPC_TOKEN"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
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
