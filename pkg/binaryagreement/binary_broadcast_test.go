package binaryagreement

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

var testBroadcastId = protocolid.BroadcastId{Era: 1, Agreement: 2, Epoch: 0}

// bbCluster delivers every broadcast message to every non-silent instance.
type bbCluster struct {
	t       *testing.T
	nodes   []*BinaryBroadcast
	silent  map[uint64]bool
	queue   []Message
	results map[uint64]BinarySet
	rng     *rand.Rand
}

func newBBCluster(t *testing.T, n, f int, silent ...uint64) *bbCluster {
	c := &bbCluster{t: t, silent: map[uint64]bool{}, results: map[uint64]BinarySet{}}
	for _, s := range silent {
		c.silent[s] = true
	}
	for i := 0; i < n; i++ {
		netinfo, err := NewNetworkInfo(n, f, uint64(i))
		require.NoError(t, err)
		c.nodes = append(c.nodes, NewBinaryBroadcast(testBroadcastId, netinfo))
	}
	return c
}

func (c *bbCluster) apply(node uint64, step BroadcastStep) {
	c.queue = append(c.queue, step.Messages...)
	if step.Result != nil {
		_, seen := c.results[node]
		require.False(c.t, seen, "node %d delivered twice", node)
		c.results[node] = *step.Result
	}
}

func (c *bbCluster) request(inputs map[uint64]bool) {
	for node, input := range inputs {
		step, err := c.nodes[node].Request(input)
		require.NoError(c.t, err)
		c.apply(node, step)
	}
}

func (c *bbCluster) run() {
	for len(c.queue) > 0 {
		i := 0
		if c.rng != nil {
			i = c.rng.Intn(len(c.queue))
		}
		msg := c.queue[i]
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		for node, bb := range c.nodes {
			if c.silent[uint64(node)] {
				continue
			}
			step, err := bb.HandleMessage(msg)
			require.NoError(c.t, err)
			c.apply(uint64(node), step)
		}
	}
}

func TestBinaryBroadcastValidity(t *testing.T) {
	for _, b := range []bool{false, true} {
		c := newBBCluster(t, 4, 1, 3)
		c.request(map[uint64]bool{0: b, 1: b, 2: b})
		c.run()

		require.Len(t, c.results, 3)
		for node, set := range c.results {
			assert.Equal(t, NewBinarySet(b), set, "node %d", node)
		}
	}
}

func TestBinaryBroadcastValidityWithByzantineSender(t *testing.T) {
	c := newBBCluster(t, 4, 1, 3)
	c.queue = append(c.queue,
		Message{Id: testBroadcastId, Sender: 3, Payload: Bval{Value: false}},
		Message{Id: testBroadcastId, Sender: 3, Payload: Aux{Value: false}},
		Message{Id: testBroadcastId, Sender: 3, Payload: Conf{Values: FalseSet}},
	)
	c.request(map[uint64]bool{0: true, 1: true, 2: true})
	c.run()

	require.Len(t, c.results, 3)
	for _, set := range c.results {
		assert.Equal(t, TrueSet, set)
	}
}

func TestBinaryBroadcastAgreement(t *testing.T) {
	for seed := int64(0); seed < 25; seed++ {
		c := newBBCluster(t, 4, 1)
		c.rng = rand.New(rand.NewSource(seed))
		c.request(map[uint64]bool{0: true, 1: true, 2: false, 3: false})
		c.run()

		require.Len(t, c.results, 4, "seed %d", seed)
		for i, a := range c.results {
			for j, b := range c.results {
				assert.NotEqual(t, EmptySet, a&b, "seed %d: %d=%s %d=%s", seed, i, a, j, b)
			}
		}
	}
}

func TestBinaryBroadcastSevenNodes(t *testing.T) {
	c := newBBCluster(t, 7, 2)
	c.rng = rand.New(rand.NewSource(42))
	inputs := []bool{true, true, false, true, false, false, true}
	req := map[uint64]bool{}
	for i, v := range inputs {
		req[uint64(i)] = v
	}
	c.request(req)
	c.run()

	require.Len(t, c.results, 7)
	for _, a := range c.results {
		for _, b := range c.results {
			assert.NotEqual(t, EmptySet, a&b)
		}
	}
}

func TestBinaryBroadcastDeliversOnce(t *testing.T) {
	c := newBBCluster(t, 4, 1)
	c.request(map[uint64]bool{0: true, 1: true, 2: true, 3: true})
	c.run()
	require.Len(t, c.results, 4)

	// replay every kind of message from every sender, including the other bit
	for sender := uint64(0); sender < 4; sender++ {
		for _, p := range []Payload{Bval{true}, Bval{false}, Aux{true}, Aux{false}, Conf{TrueSet}, Conf{BothSet}} {
			for _, bb := range c.nodes {
				step, err := bb.HandleMessage(Message{Id: testBroadcastId, Sender: sender, Payload: p})
				require.NoError(t, err)
				assert.Nil(t, step.Result)
			}
		}
	}
	for _, bb := range c.nodes {
		assert.Equal(t, Sent, bb.Status())
		_, err := bb.Request(false)
		assert.ErrorIs(t, err, ErrAlreadyRequested)
	}
}

func TestBinaryBroadcastResultBeforeRequest(t *testing.T) {
	c := newBBCluster(t, 4, 1)
	// node 3 is not requested but still takes part
	c.request(map[uint64]bool{0: false, 1: false, 2: false})
	c.run()

	_, delivered := c.results[3]
	assert.False(t, delivered)
	set, ok := c.nodes[3].Result()
	require.True(t, ok)
	assert.Equal(t, FalseSet, set)

	step, err := c.nodes[3].Request(true)
	require.NoError(t, err)
	require.NotNil(t, step.Result)
	assert.Equal(t, FalseSet, *step.Result)
	require.Len(t, step.Messages, 1)
	assert.Equal(t, Bval{Value: true}, step.Messages[0].Payload)
}

func TestBinaryBroadcastEchoThreshold(t *testing.T) {
	netinfo, err := NewNetworkInfo(7, 2, 0)
	require.NoError(t, err)
	bb := NewBinaryBroadcast(testBroadcastId, netinfo)

	send := func(sender uint64, p Payload) BroadcastStep {
		step, err := bb.HandleMessage(Message{Id: testBroadcastId, Sender: sender, Payload: p})
		require.NoError(t, err)
		return step
	}

	assert.True(t, send(1, Bval{true}).Empty())
	assert.True(t, send(1, Bval{true}).Empty(), "duplicate")
	assert.True(t, send(2, Bval{true}).Empty())

	step := send(3, Bval{true})
	require.Len(t, step.Messages, 1, "echo at F+1")
	assert.Equal(t, Bval{true}, step.Messages[0].Payload)
	assert.Equal(t, uint64(0), step.Messages[0].Sender)

	assert.True(t, send(4, Bval{true}).Empty())
	step = send(5, Bval{true})
	require.Len(t, step.Messages, 1, "aux at 2F+1")
	assert.Equal(t, Aux{true}, step.Messages[0].Payload)
	assert.Equal(t, TrueSet, bb.BinValues())
}

func TestBinaryBroadcastFaults(t *testing.T) {
	netinfo, err := NewNetworkInfo(4, 1, 0)
	require.NoError(t, err)
	bb := NewBinaryBroadcast(testBroadcastId, netinfo)

	tests := []struct {
		name string
		msg  Message
		kind FaultKind
	}{
		{"wrong epoch", Message{Id: protocolid.BroadcastId{Era: 1, Agreement: 2, Epoch: 2}, Sender: 1, Payload: Bval{true}}, FaultRoutingMismatch},
		{"wrong era", Message{Id: protocolid.BroadcastId{Era: 0, Agreement: 2, Epoch: 0}, Sender: 1, Payload: Aux{true}}, FaultRoutingMismatch},
		{"unknown sender", Message{Id: testBroadcastId, Sender: 4, Payload: Bval{true}}, FaultUnknownSender},
		{"empty conf", Message{Id: testBroadcastId, Sender: 1, Payload: Conf{EmptySet}}, FaultInvalidConf},
		{"nil payload", Message{Id: testBroadcastId, Sender: 1}, FaultUnknownPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := bb.HandleMessage(tt.msg)
			require.Error(t, err)
			fault, ok := AsFault(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, fault.Kind)
			assert.Equal(t, tt.msg.Sender, fault.Sender)
			assert.True(t, step.Empty())
		})
	}
	assert.Equal(t, EmptySet, bb.BinValues())
	assert.Equal(t, NotRequested, bb.Status())
}
