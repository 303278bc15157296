package commoncoin

import (
	"errors"
	"fmt"

	"github.com/algorand/go-deadlock"
	"github.com/near/borsh-go"
	"go.dedis.ch/kyber/v3/sign/tbls"

	m_common "github.com/meta-node-blockchain/meta-bba/pkg/common"
	"github.com/meta-node-blockchain/meta-bba/pkg/core"
	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
	t_network "github.com/meta-node-blockchain/meta-bba/types/network"
)

var (
	ErrBadShare    = errors.New("invalid coin share")
	ErrNotAssigned = errors.New("coin share index does not match sender")
)

var _ core.Module = (*ThresholdCoin)(nil)

type shareMessage struct {
	Id    []byte
	Share []byte
}

type coinState struct {
	requested bool
	done      bool
	value     bool
	shares    map[int][]byte
}

// ThresholdCoin flips a coin by threshold BLS signing the CoinId. Each validator
// signs with its share and broadcasts it; once Threshold valid shares are held the
// signature is recovered and its hash parity is the coin. The coin is delivered
// once, and only after RequestCoin; shares arriving earlier are kept.
type ThresholdCoin struct {
	host    core.Host
	keys    *Keys
	n       int
	deliver DeliverFunc

	mu    deadlock.Mutex
	coins map[protocolid.CoinId]*coinState
}

func NewThresholdCoin(host core.Host, keys *Keys, n int, deliver DeliverFunc) *ThresholdCoin {
	return &ThresholdCoin{
		host:    host,
		keys:    keys,
		n:       n,
		deliver: deliver,
		coins:   make(map[protocolid.CoinId]*coinState),
	}
}

func (c *ThresholdCoin) CommandHandlers() map[string]func(t_network.Request) error {
	return map[string]func(t_network.Request) error{
		m_common.CoinShare: c.handleShareRequest,
	}
}

func (c *ThresholdCoin) Start() {}
func (c *ThresholdCoin) Stop()  {}

func (c *ThresholdCoin) state(id protocolid.CoinId) *coinState {
	st, ok := c.coins[id]
	if !ok {
		st = &coinState{shares: make(map[int][]byte)}
		c.coins[id] = st
	}
	return st
}

// RequestCoin signs our share, broadcasts it and delivers the coin if enough shares
// are already held.
func (c *ThresholdCoin) RequestCoin(id protocolid.CoinId) error {
	msg := id.Bytes()
	sig, err := tbls.Sign(suite, c.keys.Share, msg)
	if err != nil {
		return fmt.Errorf("failed to sign coin share for %s: %w", id, err)
	}

	c.mu.Lock()
	st := c.state(id)
	if st.requested {
		c.mu.Unlock()
		return nil
	}
	st.requested = true
	st.shares[c.keys.Share.I] = sig
	ready := c.tryRecover(id, st)
	value, deliver := st.value, c.deliver
	c.mu.Unlock()

	body, err := borsh.Serialize(shareMessage{Id: msg, Share: sig})
	if err != nil {
		return err
	}
	if err := c.host.Broadcast(m_common.CoinShare, body); err != nil {
		logger.Warn("failed to broadcast coin share for %s: %v", id, err)
	}
	if ready && deliver != nil {
		deliver(id, value)
	}
	return nil
}

func (c *ThresholdCoin) handleShareRequest(req t_network.Request) error {
	var m shareMessage
	body := req.Message().Body()
	if err := borsh.Deserialize(&m, body); err != nil {
		return fmt.Errorf("%w: %v", ErrBadShare, err)
	}
	if again, err := borsh.Serialize(m); err != nil || len(again) != len(body) {
		return fmt.Errorf("%w: trailing bytes in share message", ErrBadShare)
	}
	id, err := protocolid.DecodeCoinId(m.Id)
	if err != nil {
		return err
	}
	return c.HandleShare(req.Sender(), id, m.Share)
}

// HandleShare verifies and records a share signed by validator sender.
func (c *ThresholdCoin) HandleShare(sender uint64, id protocolid.CoinId, sig []byte) error {
	ss := tbls.SigShare(sig)
	index, err := ss.Index()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadShare, err)
	}
	if uint64(index) != sender || index >= c.n {
		return fmt.Errorf("%w: index %d from %d", ErrNotAssigned, index, sender)
	}
	if err := tbls.Verify(suite, c.keys.Public, id.Bytes(), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadShare, err)
	}

	c.mu.Lock()
	st := c.state(id)
	if _, ok := st.shares[index]; ok || st.done {
		c.mu.Unlock()
		return nil
	}
	st.shares[index] = sig
	ready := c.tryRecover(id, st)
	value, deliver := st.value, c.deliver
	c.mu.Unlock()

	if ready && deliver != nil {
		deliver(id, value)
	}
	return nil
}

// tryRecover must be called with c.mu held. It reports whether the coin became
// available by this call.
func (c *ThresholdCoin) tryRecover(id protocolid.CoinId, st *coinState) bool {
	if st.done || !st.requested || len(st.shares) < c.keys.Threshold {
		return false
	}
	sigs := make([][]byte, 0, len(st.shares))
	for _, s := range st.shares {
		sigs = append(sigs, s)
	}
	sig, err := tbls.Recover(suite, c.keys.Public, id.Bytes(), sigs, c.keys.Threshold, c.n)
	if err != nil {
		logger.Error("failed to recover coin %s: %v", id, err)
		return false
	}
	st.done = true
	st.value = Parity(sig)
	st.shares = nil
	logger.Debug("coin %s = %t", id, st.value)
	return true
}

// Value returns a coin that has already been recovered.
func (c *ThresholdCoin) Value(id protocolid.CoinId) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.coins[id]
	if !ok || !st.done {
		return false, false
	}
	return st.value, true
}

// Prune forgets every coin of an era below floor.
func (c *ThresholdCoin) Prune(floor uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.coins {
		if id.Era < floor {
			delete(c.coins, id)
		}
	}
}
