package binaryagreement

import (
	"errors"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

// PayloadKind tags the variants of Payload on the wire.
type PayloadKind uint8

const (
	KindBval PayloadKind = iota + 1
	KindAux
	KindConf
)

func (k PayloadKind) String() string {
	switch k {
	case KindBval:
		return "Bval"
	case KindAux:
		return "Aux"
	case KindConf:
		return "Conf"
	}
	return fmt.Sprintf("PayloadKind(%d)", uint8(k))
}

// Payload is one of Bval, Aux or Conf.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

// Bval announces a bit the sender considers plausible.
type Bval struct{ Value bool }

// Aux announces a bit the sender has accepted into binValues.
type Aux struct{ Value bool }

// Conf announces the sender's binValues once its Aux quorum is reached.
type Conf struct{ Values BinarySet }

func (Bval) Kind() PayloadKind { return KindBval }
func (Aux) Kind() PayloadKind  { return KindAux }
func (Conf) Kind() PayloadKind { return KindConf }

func (Bval) isPayload() {}
func (Aux) isPayload()  {}
func (Conf) isPayload() {}

// Message is a binary broadcast message addressed to one broadcast instance.
type Message struct {
	Id      protocolid.BroadcastId
	Sender  uint64
	Payload Payload
}

func (m Message) String() string {
	switch p := m.Payload.(type) {
	case Bval:
		return fmt.Sprintf("%s Bval(%t) from %d", m.Id, p.Value, m.Sender)
	case Aux:
		return fmt.Sprintf("%s Aux(%t) from %d", m.Id, p.Value, m.Sender)
	case Conf:
		return fmt.Sprintf("%s Conf(%s) from %d", m.Id, p.Values, m.Sender)
	}
	return fmt.Sprintf("%s <nil> from %d", m.Id, m.Sender)
}

var ErrMalformedMessage = errors.New("malformed binary broadcast message")

type wireMessage struct {
	Id     []byte
	Sender uint64
	Kind   uint8
	Value  bool
	Values uint8
}

// EncodeMessage serializes m with borsh.
func EncodeMessage(m Message) ([]byte, error) {
	w := wireMessage{Id: m.Id.Bytes(), Sender: m.Sender}
	switch p := m.Payload.(type) {
	case Bval:
		w.Kind, w.Value = uint8(KindBval), p.Value
	case Aux:
		w.Kind, w.Value = uint8(KindAux), p.Value
	case Conf:
		w.Kind, w.Values = uint8(KindConf), uint8(p.Values)
	default:
		return nil, fmt.Errorf("%w: unknown payload %T", ErrMalformedMessage, m.Payload)
	}
	return borsh.Serialize(w)
}

// DecodeMessage parses a borsh encoded message. Unknown kinds and invalid sets are rejected.
func DecodeMessage(b []byte) (Message, error) {
	var w wireMessage
	if err := borsh.Deserialize(&w, b); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	// borsh ignores unread input
	if again, err := borsh.Serialize(w); err != nil || len(again) != len(b) {
		return Message{}, fmt.Errorf("%w: %d bytes past the message", ErrMalformedMessage, len(b)-len(again))
	}
	id, err := protocolid.DecodeBroadcastId(w.Id)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg := Message{Id: id, Sender: w.Sender}
	switch PayloadKind(w.Kind) {
	case KindBval:
		msg.Payload = Bval{Value: w.Value}
	case KindAux:
		msg.Payload = Aux{Value: w.Value}
	case KindConf:
		set := BinarySet(w.Values)
		if !set.Valid() || set == EmptySet {
			return Message{}, fmt.Errorf("%w: conf set %08b", ErrMalformedMessage, w.Values)
		}
		msg.Payload = Conf{Values: set}
	default:
		return Message{}, fmt.Errorf("%w: kind %d", ErrMalformedMessage, w.Kind)
	}
	return msg, nil
}
