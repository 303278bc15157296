package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meta-node-blockchain/meta-bba/pkg/binaryagreement"
	"github.com/meta-node-blockchain/meta-bba/pkg/storage"
)

var ErrInvalidConfig = errors.New("invalid config")

// ValidatorInfo is one member of the validator set, in index order.
type ValidatorInfo struct {
	PublicKey string `json:"public_key"`
	// Address is the libp2p multiaddr the validator listens on.
	Address string `json:"address"`
}

type StorageConfig struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	BackupPath string `json:"backup_path"`
}

type LogConfig struct {
	Level    string `json:"level"`
	TraceDir string `json:"trace_dir"`
}

type CoinConfig struct {
	Share   string   `json:"share"`
	Commits []string `json:"commits"`
}

// NodeConfig is the configuration of one validator node.
type NodeConfig struct {
	ID               uint64          `json:"id"`
	KeyPair          string          `json:"key_pair"`
	ListenAddress    string          `json:"listen_address"`
	Validators       []ValidatorInfo `json:"validators"`
	NumFaulty        *int            `json:"num_faulty,omitempty"`
	Storage          StorageConfig   `json:"storage"`
	Log              LogConfig       `json:"log"`
	RateLimits       map[string]int  `json:"rate_limits,omitempty"`
	Coin             CoinConfig      `json:"coin"`
	MetricsAddress   string          `json:"metrics_address,omitempty"`
	CleanupThreshold uint64          `json:"cleanup_threshold,omitempty"`
	CleanupInterval  string          `json:"cleanup_interval,omitempty"`
}

func LoadConfigFromFile(filename string) (*NodeConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config NodeConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveToFile writes the config as indented JSON.
func (c *NodeConfig) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// Faulty returns num_faulty, or the largest tolerable value when it is unset.
func (c *NodeConfig) Faulty() int {
	if c.NumFaulty != nil {
		return *c.NumFaulty
	}
	return binaryagreement.MaxFaulty(len(c.Validators))
}

func (c *NodeConfig) NetworkInfo() (*binaryagreement.NetworkInfo, error) {
	return binaryagreement.NewNetworkInfo(len(c.Validators), c.Faulty(), c.ID)
}

// Interval parses cleanup_interval; an empty value returns def.
func (c *NodeConfig) Interval(def time.Duration) (time.Duration, error) {
	if c.CleanupInterval == "" {
		return def, nil
	}
	return time.ParseDuration(c.CleanupInterval)
}

// PrivateKey decodes key_pair.
func (c *NodeConfig) PrivateKey() (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(trimHex(c.KeyPair))
}

// PublicKey decodes the public key of validator i.
func (c *NodeConfig) PublicKey(i int) ([]byte, error) {
	b := common.FromHex(c.Validators[i].PublicKey)
	if _, err := crypto.UnmarshalPubkey(b); err != nil {
		return nil, fmt.Errorf("validator %d public key: %w", i, err)
	}
	return b, nil
}

func (c *NodeConfig) Validate() error {
	if len(c.Validators) == 0 {
		return fmt.Errorf("%w: no validators", ErrInvalidConfig)
	}
	if _, err := c.NetworkInfo(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	key, err := c.PrivateKey()
	if err != nil {
		return fmt.Errorf("%w: key_pair: %v", ErrInvalidConfig, err)
	}
	for i := range c.Validators {
		pub, err := c.PublicKey(i)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if uint64(i) == c.ID && string(pub) != string(crypto.FromECDSAPub(&key.PublicKey)) {
			return fmt.Errorf("%w: key_pair does not match validator %d", ErrInvalidConfig, i)
		}
	}
	if c.Storage.Type != "" && !storage.IsKnownType(c.Storage.Type) {
		return fmt.Errorf("%w: unknown storage type %q", ErrInvalidConfig, c.Storage.Type)
	}
	if _, err := c.Interval(0); err != nil {
		return fmt.Errorf("%w: cleanup_interval: %v", ErrInvalidConfig, err)
	}
	for cmd, limit := range c.RateLimits {
		if limit < 0 {
			return fmt.Errorf("%w: negative rate limit for %s", ErrInvalidConfig, cmd)
		}
	}
	return nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
