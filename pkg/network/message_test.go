package network

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	m := NewMessage("bba_message", 3, []byte{1, 2, 3})
	_, err = uuid.Parse(m.ID())
	require.NoError(t, err)
	require.NoError(t, m.SignWith(key))

	b, err := m.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalMessage(b)
	require.NoError(t, err)

	assert.Equal(t, m.ID(), decoded.ID())
	assert.Equal(t, "bba_message", decoded.Command())
	assert.Equal(t, uint64(3), decoded.Sender())
	assert.Equal(t, []byte{1, 2, 3}, decoded.Body())
	assert.NoError(t, decoded.Verify(crypto.PubkeyToAddress(key.PublicKey)))
}

func TestMessageVerifyRejects(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	m := NewMessage("coin_share", 0, []byte("share"))
	assert.ErrorIs(t, m.Verify(addr), ErrBadSignature, "unsigned")

	require.NoError(t, m.SignWith(other))
	assert.ErrorIs(t, m.Verify(addr), ErrBadSignature, "wrong signer")

	require.NoError(t, m.SignWith(key))
	m.body = []byte("tampered")
	assert.ErrorIs(t, m.Verify(addr), ErrBadSignature, "tampered body")
}

func TestUnmarshalMessage(t *testing.T) {
	valid, err := NewMessage("bba_message", 1, []byte{9}).Marshal()
	require.NoError(t, err)

	withUnknown := protowire.AppendTag(append([]byte(nil), valid...), 15, protowire.VarintType)
	withUnknown = protowire.AppendVarint(withUnknown, 77)
	m, err := UnmarshalMessage(withUnknown)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, m.Body())

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"bad tag", []byte{0xff}},
		{"no command", protowire.AppendVarint(protowire.AppendTag(nil, fieldSender, protowire.VarintType), 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalMessage(tt.buf)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestSealAndOpen(t *testing.T) {
	keys := make([]common.Address, 3)
	privs := make([]*ecdsa.PrivateKey, 3)
	for i := range keys {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		privs[i] = k
		keys[i] = crypto.PubkeyToAddress(k.PublicKey)
	}

	raw, err := Seal(privs[1], "bba_message", 1, []byte("hello"))
	require.NoError(t, err)
	req, err := Open(raw, keys)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.Sender())
	assert.Equal(t, []byte("hello"), req.Message().Body())

	// claims to be validator 2 but signed by 1
	raw, err = Seal(privs[1], "bba_message", 2, nil)
	require.NoError(t, err)
	_, err = Open(raw, keys)
	assert.ErrorIs(t, err, ErrBadSignature)

	raw, err = Seal(privs[1], "bba_message", 5, nil)
	require.NoError(t, err)
	_, err = Open(raw, keys)
	assert.ErrorIs(t, err, ErrUnknownSender)
}
