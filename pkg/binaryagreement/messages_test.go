package binaryagreement

import (
	"testing"

	"github.com/near/borsh-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

func TestMessageCodec(t *testing.T) {
	id := protocolid.BroadcastId{Era: 9, Agreement: 4, Epoch: 12}
	msgs := []Message{
		{Id: id, Sender: 0, Payload: Bval{Value: true}},
		{Id: id, Sender: 6, Payload: Bval{Value: false}},
		{Id: id, Sender: 3, Payload: Aux{Value: true}},
		{Id: id, Sender: 1, Payload: Conf{Values: BothSet}},
		{Id: id, Sender: 2, Payload: Conf{Values: FalseSet}},
	}
	for _, msg := range msgs {
		t.Run(msg.String(), func(t *testing.T) {
			b, err := EncodeMessage(msg)
			require.NoError(t, err)
			decoded, err := DecodeMessage(b)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeMessageRejects(t *testing.T) {
	id := protocolid.BroadcastId{Era: 1, Agreement: 1, Epoch: 0}.Bytes()
	encode := func(w wireMessage) []byte {
		b, err := borsh.Serialize(w)
		require.NoError(t, err)
		return b
	}
	valid, err := EncodeMessage(Message{Id: protocolid.BroadcastId{}, Sender: 1, Payload: Aux{Value: true}})
	require.NoError(t, err)

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-2]},
		{"unknown kind", encode(wireMessage{Id: id, Sender: 1, Kind: 9})},
		{"zero kind", encode(wireMessage{Id: id, Sender: 1})},
		{"empty conf", encode(wireMessage{Id: id, Sender: 1, Kind: uint8(KindConf)})},
		{"out of range conf", encode(wireMessage{Id: id, Sender: 1, Kind: uint8(KindConf), Values: 7})},
		{"bad id", encode(wireMessage{Id: []byte{0xc1}, Sender: 1, Kind: uint8(KindBval)})},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"non-canonical bool", append(append([]byte(nil), valid[:len(valid)-2]...), 2, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.buf)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestEncodeMessageRejectsNilPayload(t *testing.T) {
	_, err := EncodeMessage(Message{Sender: 1})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
