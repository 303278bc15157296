// Package commoncoin supplies the shared random bit that breaks ties between
// binary broadcast epochs.
package commoncoin

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

// DeliverFunc receives the value of a coin. It may be called from the goroutine
// that requested the coin.
type DeliverFunc func(id protocolid.CoinId, value bool)

// Parity maps a signature or seed hash to the coin bit.
func Parity(b []byte) bool {
	return crypto.Keccak256(b)[0]&1 == 1
}

// Oracle is a perfectly reliable coin: every Oracle built with the same seed returns
// the same bit for the same CoinId. It answers synchronously and is meant for
// simulations and tests.
type Oracle struct {
	seed    []byte
	deliver DeliverFunc
}

func NewOracle(seed []byte, deliver DeliverFunc) *Oracle {
	return &Oracle{seed: append([]byte(nil), seed...), deliver: deliver}
}

func (o *Oracle) Value(id protocolid.CoinId) bool {
	return Parity(append(append([]byte(nil), o.seed...), id.Bytes()...))
}

func (o *Oracle) RequestCoin(id protocolid.CoinId) error {
	if o.deliver != nil {
		o.deliver(id, o.Value(id))
	}
	return nil
}
