// Package protocolid holds the keys that address running protocol instances.
//
// Identifiers are encoded as RLP lists of unsigned integers in declaration order, so
// every validator derives the same bytes for the same instance.
package protocolid

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

var ErrMalformedId = errors.New("malformed protocol id")

// AgreementId identifies one binary agreement: the decision on one validator's
// proposal within one era.
type AgreementId struct {
	Era           uint64
	ValidatorSlot uint64
}

// BroadcastId identifies the binary broadcast run by an agreement in one epoch.
type BroadcastId struct {
	Era       uint64
	Agreement uint64
	Epoch     uint64
}

// CoinId identifies the common coin flipped by an agreement in one (odd) epoch.
type CoinId struct {
	Era       uint64
	Agreement uint64
	Epoch     uint64
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (id AgreementId) Compare(other AgreementId) int {
	if c := compareUint64(id.Era, other.Era); c != 0 {
		return c
	}
	return compareUint64(id.ValidatorSlot, other.ValidatorSlot)
}

func (id AgreementId) Less(other AgreementId) bool { return id.Compare(other) < 0 }

func (id AgreementId) Broadcast(epoch uint64) BroadcastId {
	return BroadcastId{Era: id.Era, Agreement: id.ValidatorSlot, Epoch: epoch}
}

func (id AgreementId) Coin(epoch uint64) CoinId {
	return CoinId{Era: id.Era, Agreement: id.ValidatorSlot, Epoch: epoch}
}

func (id AgreementId) String() string {
	return fmt.Sprintf("ba(%d/%d)", id.Era, id.ValidatorSlot)
}

func (id AgreementId) Bytes() []byte { return mustEncode(id) }

func DecodeAgreementId(b []byte) (AgreementId, error) {
	var id AgreementId
	err := decode(b, &id)
	return id, err
}

func (id BroadcastId) AgreementId() AgreementId {
	return AgreementId{Era: id.Era, ValidatorSlot: id.Agreement}
}

func (id BroadcastId) Compare(other BroadcastId) int {
	if c := id.AgreementId().Compare(other.AgreementId()); c != 0 {
		return c
	}
	return compareUint64(id.Epoch, other.Epoch)
}

func (id BroadcastId) Less(other BroadcastId) bool { return id.Compare(other) < 0 }

func (id BroadcastId) String() string {
	return fmt.Sprintf("bb(%d/%d/%d)", id.Era, id.Agreement, id.Epoch)
}

func (id BroadcastId) Bytes() []byte { return mustEncode(id) }

func DecodeBroadcastId(b []byte) (BroadcastId, error) {
	var id BroadcastId
	err := decode(b, &id)
	return id, err
}

func (id CoinId) AgreementId() AgreementId {
	return AgreementId{Era: id.Era, ValidatorSlot: id.Agreement}
}

func (id CoinId) String() string {
	return fmt.Sprintf("coin(%d/%d/%d)", id.Era, id.Agreement, id.Epoch)
}

func (id CoinId) Bytes() []byte { return mustEncode(id) }

func DecodeCoinId(b []byte) (CoinId, error) {
	var id CoinId
	err := decode(b, &id)
	return id, err
}

func mustEncode(v interface{}) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		// structs of uint64 always encode
		panic(fmt.Sprintf("protocolid: encode %T: %v", v, err))
	}
	return b
}

// decode rejects empty, truncated, trailing, non-canonical and wrong-arity input.
func decode(b []byte, v interface{}) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty buffer", ErrMalformedId)
	}
	if err := rlp.DecodeBytes(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedId, err)
	}
	return nil
}
