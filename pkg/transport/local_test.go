package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	t_network "github.com/meta-node-blockchain/meta-bba/types/network"
)

type received struct {
	sender  uint64
	command string
	body    string
}

type recorder struct {
	mu   sync.Mutex
	got  []received
	done chan struct{}
	want int
}

func (r *recorder) HandleRequest(req t_network.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, received{req.Sender(), req.Message().Command(), string(req.Message().Body())})
	if r.done != nil && len(r.got) == r.want {
		close(r.done)
	}
	return nil
}

func TestLocalNetworkManualFlush(t *testing.T) {
	ln, err := NewLocalNetwork(3, Options{})
	require.NoError(t, err)
	recs := []*recorder{{}, {}, {}}
	for i, r := range recs {
		ln.SetHandler(uint64(i), r)
	}

	require.NoError(t, ln.Host(0).Broadcast("cmd", []byte("a")))
	require.NoError(t, ln.Host(2).Send(1, "cmd", []byte("b")))
	assert.Equal(t, 3, ln.Pending())
	assert.Empty(t, recs[1].got, "nothing is delivered before Flush")

	assert.Equal(t, 3, ln.Flush())
	assert.Empty(t, recs[0].got, "broadcast skips the sender")
	assert.Equal(t, []received{{0, "cmd", "a"}, {2, "cmd", "b"}}, recs[1].got)
	assert.Equal(t, []received{{0, "cmd", "a"}}, recs[2].got)

	assert.Error(t, ln.Host(0).Send(7, "cmd", nil))
}

// echo re-broadcasts the first message it sees, to check Flush drains follow-ups.
type echo struct {
	recorder
	host interface {
		Broadcast(string, []byte) error
	}
	echoed bool
}

func (e *echo) HandleRequest(req t_network.Request) error {
	e.recorder.HandleRequest(req)
	if !e.echoed {
		e.echoed = true
		return e.host.Broadcast("echo", req.Message().Body())
	}
	return nil
}

func TestLocalNetworkFlushDrainsFollowUps(t *testing.T) {
	ln, err := NewLocalNetwork(2, Options{})
	require.NoError(t, err)
	e := &echo{host: ln.Host(1)}
	r := &recorder{}
	ln.SetHandler(1, e)
	ln.SetHandler(0, r)

	require.NoError(t, ln.Host(0).Broadcast("cmd", []byte("x")))
	assert.Equal(t, 2, ln.Flush())
	assert.Equal(t, []received{{1, "echo", "x"}}, r.got)
}

func TestLocalNetworkIsolate(t *testing.T) {
	ln, err := NewLocalNetwork(3, Options{})
	require.NoError(t, err)
	recs := []*recorder{{}, {}, {}}
	for i, r := range recs {
		ln.SetHandler(uint64(i), r)
	}
	ln.Isolate(2)

	require.NoError(t, ln.Host(2).Broadcast("cmd", nil))
	require.NoError(t, ln.Host(0).Broadcast("cmd", nil))
	ln.Flush()
	assert.Len(t, recs[1].got, 1)
	assert.Empty(t, recs[2].got)
}

func TestLocalNetworkAsync(t *testing.T) {
	ln, err := NewLocalNetwork(3, Options{Async: true, MaxLatency: time.Millisecond, Seed: 1})
	require.NoError(t, err)
	defer ln.Close()

	r := &recorder{done: make(chan struct{}), want: 20}
	ln.SetHandler(2, r)
	for i := 0; i < 10; i++ {
		require.NoError(t, ln.Host(0).Broadcast("cmd", []byte{byte(i)}))
		require.NoError(t, ln.Host(1).Send(2, "cmd", []byte{byte(i)}))
	}

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("async deliveries did not arrive")
	}

	// per-sender order is preserved by the single mailbox
	r.mu.Lock()
	defer r.mu.Unlock()
	next := map[uint64]byte{}
	for _, g := range r.got {
		assert.Equal(t, string([]byte{next[g.sender]}), g.body)
		next[g.sender]++
	}
}
