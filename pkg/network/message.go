package network

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meta-node-blockchain/meta-bba/types/network"
)

var (
	ErrMalformedEnvelope = errors.New("malformed message envelope")
	ErrBadSignature      = errors.New("bad message signature")
	ErrUnknownSender     = errors.New("sender is not a validator")
)

// Envelope field numbers.
const (
	fieldID      protowire.Number = 1
	fieldCommand protowire.Number = 2
	fieldSender  protowire.Number = 3
	fieldBody    protowire.Number = 4
	fieldSign    protowire.Number = 5
)

// Message is a signed envelope around a module payload. It is encoded in the
// protobuf wire format.
type Message struct {
	id      string
	command string
	sender  uint64
	body    []byte
	sign    []byte
}

// NewMessage creates an unsigned message with a fresh id.
func NewMessage(command string, sender uint64, body []byte) *Message {
	return &Message{
		id:      uuid.NewString(),
		command: command,
		sender:  sender,
		body:    body,
	}
}

func (m *Message) appendUnsigned(b []byte) []byte {
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, m.id)
	b = protowire.AppendTag(b, fieldCommand, protowire.BytesType)
	b = protowire.AppendString(b, m.command)
	b = protowire.AppendTag(b, fieldSender, protowire.VarintType)
	b = protowire.AppendVarint(b, m.sender)
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, m.body)
	return b
}

func (m *Message) signingHash() []byte {
	return crypto.Keccak256(m.appendUnsigned(nil))
}

// SignWith signs the id, command, sender and body with a secp256k1 key.
func (m *Message) SignWith(key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(m.signingHash(), key)
	if err != nil {
		return fmt.Errorf("failed to sign message %s: %w", m.id, err)
	}
	m.sign = sig
	return nil
}

// Verify checks that the message was signed by the key behind address.
func (m *Message) Verify(address common.Address) error {
	if len(m.sign) != crypto.SignatureLength {
		return fmt.Errorf("%w: length %d", ErrBadSignature, len(m.sign))
	}
	pub, err := crypto.SigToPub(m.signingHash(), m.sign)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != address {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrBadSignature, signer.Hex(), address.Hex())
	}
	return nil
}

func (m *Message) Marshal() ([]byte, error) {
	if m == nil {
		return nil, errors.New("Message.Marshal: nil message")
	}
	b := m.appendUnsigned(nil)
	b = protowire.AppendTag(b, fieldSign, protowire.BytesType)
	b = protowire.AppendBytes(b, m.sign)
	return b, nil
}

// UnmarshalMessage decodes an envelope. Unknown fields are skipped.
func UnmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			m.id, n = protowire.ConsumeString(b)
		case num == fieldCommand && typ == protowire.BytesType:
			m.command, n = protowire.ConsumeString(b)
		case num == fieldSender && typ == protowire.VarintType:
			m.sender, n = protowire.ConsumeVarint(b)
		case num == fieldBody && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.body = append([]byte(nil), v...)
		case num == fieldSign && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			m.sign = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedEnvelope, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if m.command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformedEnvelope)
	}
	return m, nil
}

func (m *Message) String() string {
	if m == nil {
		return "<Message: nil>"
	}
	return fmt.Sprintf("Message{ID: %s, Command: %s, Sender: %d, Body: %s, Sign: %s}",
		m.id, m.command, m.sender, hex.EncodeToString(m.body), hex.EncodeToString(m.sign))
}

func (m *Message) ID() string      { return m.id }
func (m *Message) Command() string { return m.command }
func (m *Message) Sender() uint64  { return m.sender }
func (m *Message) Body() []byte    { return m.body }
func (m *Message) Sign() []byte    { return m.sign }

// Seal builds, signs and encodes a message in one step.
func Seal(key *ecdsa.PrivateKey, command string, sender uint64, body []byte) ([]byte, error) {
	m := NewMessage(command, sender, body)
	if err := m.SignWith(key); err != nil {
		return nil, err
	}
	return m.Marshal()
}

// Open decodes an envelope and checks its signature against the claimed sender's
// address in validators.
func Open(raw []byte, validators []common.Address) (network.Request, error) {
	m, err := UnmarshalMessage(raw)
	if err != nil {
		return nil, err
	}
	if m.sender >= uint64(len(validators)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSender, m.sender)
	}
	if err := m.Verify(validators[m.sender]); err != nil {
		return nil, err
	}
	return NewRequest(m.sender, m), nil
}
