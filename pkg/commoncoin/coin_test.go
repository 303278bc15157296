package commoncoin

import (
	"testing"

	"github.com/near/borsh-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m_common "github.com/meta-node-blockchain/meta-bba/pkg/common"
	"github.com/meta-node-blockchain/meta-bba/pkg/network"
	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

type sentMessage struct {
	command string
	body    []byte
}

type recordingHost struct {
	id   uint64
	sent []sentMessage
}

func (h *recordingHost) ID() uint64 { return h.id }

func (h *recordingHost) Broadcast(command string, body []byte) error {
	h.sent = append(h.sent, sentMessage{command: command, body: body})
	return nil
}

func (h *recordingHost) Send(target uint64, command string, body []byte) error {
	return h.Broadcast(command, body)
}

type delivery struct {
	id    protocolid.CoinId
	value bool
}

type coinNode struct {
	host      *recordingHost
	coin      *ThresholdCoin
	delivered []delivery
}

func newCoinNodes(t *testing.T, n, threshold int) []*coinNode {
	shares, pub, err := GenerateKeys(n, threshold)
	require.NoError(t, err)
	nodes := make([]*coinNode, n)
	for i := 0; i < n; i++ {
		node := &coinNode{host: &recordingHost{id: uint64(i)}}
		keys := &Keys{Share: shares[i], Public: pub, Threshold: threshold}
		node.coin = NewThresholdCoin(node.host, keys, n, func(id protocolid.CoinId, value bool) {
			node.delivered = append(node.delivered, delivery{id, value})
		})
		nodes[i] = node
	}
	return nodes
}

// relay hands every share broadcast by from to the other nodes.
func relay(t *testing.T, nodes []*coinNode, from int) {
	for _, m := range nodes[from].host.sent {
		require.Equal(t, m_common.CoinShare, m.command)
		var sm shareMessage
		require.NoError(t, borsh.Deserialize(&sm, m.body))
		id, err := protocolid.DecodeCoinId(sm.Id)
		require.NoError(t, err)
		for i, node := range nodes {
			if i == from {
				continue
			}
			require.NoError(t, node.coin.HandleShare(uint64(from), id, sm.Share))
		}
	}
	nodes[from].host.sent = nil
}

func TestThresholdCoinAgrees(t *testing.T) {
	nodes := newCoinNodes(t, 4, 2)
	id := protocolid.CoinId{Era: 1, Agreement: 2, Epoch: 3}

	for i := range nodes {
		require.NoError(t, nodes[i].coin.RequestCoin(id))
		relay(t, nodes, i)
	}

	value := nodes[0].delivered[0].value
	for i, node := range nodes {
		require.Len(t, node.delivered, 1, "node %d", i)
		assert.Equal(t, id, node.delivered[0].id)
		assert.Equal(t, value, node.delivered[0].value)
		v, ok := node.coin.Value(id)
		assert.True(t, ok)
		assert.Equal(t, value, v)
	}

	// a repeated request neither re-signs nor re-delivers
	require.NoError(t, nodes[0].coin.RequestCoin(id))
	assert.Empty(t, nodes[0].host.sent)
	assert.Len(t, nodes[0].delivered, 1)
}

func TestThresholdCoinWaitsForRequest(t *testing.T) {
	nodes := newCoinNodes(t, 4, 2)
	id := protocolid.CoinId{Era: 0, Agreement: 0, Epoch: 1}

	require.NoError(t, nodes[0].coin.RequestCoin(id))
	relay(t, nodes, 0)
	require.NoError(t, nodes[1].coin.RequestCoin(id))
	relay(t, nodes, 1)

	assert.Empty(t, nodes[3].delivered, "two shares held but coin not requested")
	_, ok := nodes[3].coin.Value(id)
	assert.False(t, ok)

	require.NoError(t, nodes[3].coin.RequestCoin(id))
	require.Len(t, nodes[3].delivered, 1)
	assert.Equal(t, nodes[0].delivered[0].value, nodes[3].delivered[0].value)
}

func TestThresholdCoinRejectsBadShares(t *testing.T) {
	nodes := newCoinNodes(t, 4, 2)
	id := protocolid.CoinId{Era: 0, Agreement: 1, Epoch: 1}

	require.NoError(t, nodes[0].coin.RequestCoin(id))
	var sm shareMessage
	require.NoError(t, borsh.Deserialize(&sm, nodes[0].host.sent[0].body))

	err := nodes[1].coin.HandleShare(2, id, sm.Share)
	assert.ErrorIs(t, err, ErrNotAssigned)

	err = nodes[1].coin.HandleShare(0, protocolid.CoinId{Era: 0, Agreement: 1, Epoch: 3}, sm.Share)
	assert.ErrorIs(t, err, ErrBadShare, "share signed for another coin")

	err = nodes[1].coin.HandleShare(0, id, []byte{0})
	assert.ErrorIs(t, err, ErrBadShare)

	route := nodes[1].coin.CommandHandlers()[m_common.CoinShare]
	body := nodes[0].host.sent[0].body
	padded := append(append([]byte(nil), body...), 0)
	err = route(network.NewRequest(0, network.NewMessage(m_common.CoinShare, 0, padded)))
	assert.ErrorIs(t, err, ErrBadShare, "trailing bytes")
	require.NoError(t, route(network.NewRequest(0, network.NewMessage(m_common.CoinShare, 0, body))))
}

func TestThresholdCoinPrune(t *testing.T) {
	nodes := newCoinNodes(t, 4, 2)
	old := protocolid.CoinId{Era: 1, Agreement: 0, Epoch: 1}
	current := protocolid.CoinId{Era: 5, Agreement: 0, Epoch: 1}
	for _, id := range []protocolid.CoinId{old, current} {
		for i := 0; i < 2; i++ {
			require.NoError(t, nodes[i].coin.RequestCoin(id))
			relay(t, nodes, i)
		}
	}
	_, ok := nodes[0].coin.Value(old)
	require.True(t, ok)

	nodes[0].coin.Prune(5)
	_, ok = nodes[0].coin.Value(old)
	assert.False(t, ok)
	_, ok = nodes[0].coin.Value(current)
	assert.True(t, ok)
}

func TestKeyEncoding(t *testing.T) {
	shares, pub, err := GenerateKeys(4, 2)
	require.NoError(t, err)

	commits, err := EncodeCommits(pub)
	require.NoError(t, err)
	assert.Len(t, commits, 2)

	for _, s := range shares {
		encoded, err := EncodeShare(s)
		require.NoError(t, err)
		keys, err := DecodeKeys(encoded, commits)
		require.NoError(t, err)
		assert.Equal(t, s.I, keys.Share.I)
		assert.True(t, s.V.Equal(keys.Share.V))
		assert.Equal(t, 2, keys.Threshold)
	}

	otherShares, _, err := GenerateKeys(4, 2)
	require.NoError(t, err)
	foreign, err := EncodeShare(otherShares[0])
	require.NoError(t, err)
	_, err = DecodeKeys(foreign, commits)
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = DecodeShare("0x01")
	assert.ErrorIs(t, err, ErrBadKey)
	_, err = DecodeCommits(nil)
	assert.ErrorIs(t, err, ErrBadKey)
	_, _, err = GenerateKeys(3, 4)
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestOracle(t *testing.T) {
	var got []delivery
	a := NewOracle([]byte("seed"), func(id protocolid.CoinId, v bool) { got = append(got, delivery{id, v}) })
	b := NewOracle([]byte("seed"), nil)
	c := NewOracle([]byte("other"), nil)

	differs := false
	for e := uint64(1); e < 64; e += 2 {
		id := protocolid.CoinId{Era: 0, Agreement: 1, Epoch: e}
		assert.Equal(t, a.Value(id), b.Value(id))
		if a.Value(id) != c.Value(id) {
			differs = true
		}
	}
	assert.True(t, differs)

	id := protocolid.CoinId{Era: 2, Agreement: 0, Epoch: 1}
	require.NoError(t, a.RequestCoin(id))
	assert.Equal(t, []delivery{{id, a.Value(id)}}, got)
	require.NoError(t, b.RequestCoin(id), "no callback set")
}
