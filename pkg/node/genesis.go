package node

import (
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meta-node-blockchain/meta-bba/pkg/commoncoin"
	"github.com/meta-node-blockchain/meta-bba/pkg/config"
)

// GenerateConfigs creates fresh validator keys and threshold coin keys for an
// n-validator network tolerating f faults. Validator i listens on basePort+i of ip;
// a zero basePort picks free ports and leaves peer addresses empty. Journals live
// under dataDir.
func GenerateConfigs(n, f int, ip string, basePort int, dataDir string) ([]*config.NodeConfig, error) {
	if n < 3*f+1 {
		return nil, fmt.Errorf("n=%d cannot tolerate f=%d faults", n, f)
	}
	shares, pub, err := commoncoin.GenerateKeys(n, f+1)
	if err != nil {
		return nil, err
	}
	commits, err := commoncoin.EncodeCommits(pub)
	if err != nil {
		return nil, err
	}

	validators := make([]config.ValidatorInfo, n)
	privs := make([]string, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		privs[i] = hexutil.Encode(crypto.FromECDSA(key))
		validators[i].PublicKey = hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey))
		if basePort != 0 {
			validators[i].Address = fmt.Sprintf("/ip4/%s/tcp/%d", ip, basePort+i)
		}
	}

	configs := make([]*config.NodeConfig, n)
	for i := 0; i < n; i++ {
		shareHex, err := commoncoin.EncodeShare(shares[i])
		if err != nil {
			return nil, err
		}
		faulty := f
		listen := fmt.Sprintf("/ip4/%s/tcp/0", ip)
		if basePort != 0 {
			listen = validators[i].Address
		}
		configs[i] = &config.NodeConfig{
			ID:            uint64(i),
			KeyPair:       privs[i],
			ListenAddress: listen,
			Validators:    validators,
			NumFaulty:     &faulty,
			Storage: config.StorageConfig{
				Type:       "level",
				Path:       filepath.Join(dataDir, fmt.Sprintf("node-%d", i), "journal"),
				BackupPath: filepath.Join(dataDir, fmt.Sprintf("node-%d", i), "backup"),
			},
			Log:  config.LogConfig{Level: "info"},
			Coin: config.CoinConfig{Share: shareHex, Commits: commits},
		}
	}
	return configs, nil
}
