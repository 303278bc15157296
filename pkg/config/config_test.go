package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T, n int) *NodeConfig {
	cfg := &NodeConfig{
		ID:              1,
		ListenAddress:   "/ip4/127.0.0.1/tcp/4001",
		Storage:         StorageConfig{Type: "memory"},
		Log:             LogConfig{Level: "info"},
		CleanupInterval: "1m",
	}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		if uint64(i) == cfg.ID {
			cfg.KeyPair = hexutil.Encode(crypto.FromECDSA(key))
		}
		cfg.Validators = append(cfg.Validators, ValidatorInfo{
			PublicKey: hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		})
	}
	return cfg
}

func TestValidate(t *testing.T) {
	two := 2
	tests := []struct {
		name   string
		mutate func(c *NodeConfig)
		ok     bool
	}{
		{"valid", func(c *NodeConfig) {}, true},
		{"no validators", func(c *NodeConfig) { c.Validators = nil }, false},
		{"too many faulty", func(c *NodeConfig) { c.NumFaulty = &two }, false},
		{"id out of range", func(c *NodeConfig) { c.ID = 4 }, false},
		{"bad key", func(c *NodeConfig) { c.KeyPair = "zz" }, false},
		{"key of another validator", func(c *NodeConfig) { c.ID = 0 }, false},
		{"bad public key", func(c *NodeConfig) { c.Validators[2].PublicKey = "0x0102" }, false},
		{"unknown storage", func(c *NodeConfig) { c.Storage.Type = "rocks" }, false},
		{"bad interval", func(c *NodeConfig) { c.CleanupInterval = "soon" }, false},
		{"negative rate limit", func(c *NodeConfig) { c.RateLimits = map[string]int{"bba_message": -1} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t, 4)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg := validConfig(t, 4)
	cfg.RateLimits = map[string]int{"bba_message": 100}
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 1, loaded.Faulty())

	interval, err := loaded.Interval(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, interval)

	netinfo, err := loaded.NetworkInfo()
	require.NoError(t, err)
	assert.Equal(t, 4, netinfo.N())
	assert.Equal(t, uint64(1), netinfo.OurIndex())

	_, err = LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0600))
	_, err = LoadConfigFromFile(bad)
	assert.Error(t, err)
}

func TestFaultyDefault(t *testing.T) {
	cfg := validConfig(t, 7)
	assert.Equal(t, 2, cfg.Faulty())
	zero := 0
	cfg.NumFaulty = &zero
	assert.Equal(t, 0, cfg.Faulty())

	cfg.CleanupInterval = ""
	d, err := cfg.Interval(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
}
