// Package transport provides an in-memory network of validators for simulations
// and tests. Envelopes are signed and verified exactly like on the wire.
package transport

import (
	"crypto/ecdsa"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/meta-node-blockchain/meta-bba/pkg/core"
	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/network"
	t_network "github.com/meta-node-blockchain/meta-bba/types/network"
)

// RequestHandler consumes verified requests, usually a *network.Handler.
type RequestHandler interface {
	HandleRequest(t_network.Request) error
}

type Options struct {
	// Async delivers through one goroutine per validator. Otherwise messages wait
	// in a single FIFO queue until Flush.
	Async bool
	// MaxLatency delays each async delivery by a random duration up to this value.
	MaxLatency time.Duration
	Seed       int64
	// Keys are the validators' signing keys; generated when nil.
	Keys []*ecdsa.PrivateKey
}

type delivery struct {
	to  uint64
	raw []byte
}

type LocalNetwork struct {
	opts       Options
	keys       []*ecdsa.PrivateKey
	validators []common.Address

	mu       sync.Mutex
	handlers []RequestHandler
	isolated map[uint64]bool
	queue    []delivery
	rng      *rand.Rand

	mailboxes []*mailbox
	group     errgroup.Group
	closeOnce sync.Once
}

func NewLocalNetwork(n int, opts Options) (*LocalNetwork, error) {
	keys := opts.Keys
	if keys == nil {
		for i := 0; i < n; i++ {
			key, err := crypto.GenerateKey()
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
	}
	if len(keys) != n {
		return nil, fmt.Errorf("got %d keys for %d validators", len(keys), n)
	}
	ln := &LocalNetwork{
		opts:       opts,
		keys:       keys,
		validators: make([]common.Address, n),
		handlers:   make([]RequestHandler, n),
		isolated:   make(map[uint64]bool),
		rng:        rand.New(rand.NewSource(opts.Seed)),
	}
	for i, key := range keys {
		ln.validators[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	if opts.Async {
		for i := 0; i < n; i++ {
			mb := newMailbox()
			ln.mailboxes = append(ln.mailboxes, mb)
			to := uint64(i)
			ln.group.Go(func() error {
				ln.runMailbox(to, mb)
				return nil
			})
		}
	}
	return ln, nil
}

func (ln *LocalNetwork) Size() int { return len(ln.keys) }

func (ln *LocalNetwork) Validators() []common.Address { return ln.validators }

// Host returns the core.Host of validator i.
func (ln *LocalNetwork) Host(i uint64) core.Host {
	return &localHost{net: ln, id: i}
}

func (ln *LocalNetwork) SetHandler(i uint64, h RequestHandler) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.handlers[i] = h
}

// Isolate drops every message sent by or addressed to validator i.
func (ln *LocalNetwork) Isolate(i uint64) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.isolated[i] = true
}

func (ln *LocalNetwork) send(from, to uint64, command string, body []byte) error {
	if to >= uint64(len(ln.keys)) {
		return fmt.Errorf("unknown validator %d", to)
	}
	raw, err := network.Seal(ln.keys[from], command, from, body)
	if err != nil {
		return err
	}
	ln.enqueue(from, delivery{to: to, raw: raw})
	return nil
}

func (ln *LocalNetwork) broadcast(from uint64, command string, body []byte) error {
	raw, err := network.Seal(ln.keys[from], command, from, body)
	if err != nil {
		return err
	}
	for to := range ln.keys {
		if uint64(to) == from {
			continue
		}
		ln.enqueue(from, delivery{to: uint64(to), raw: raw})
	}
	return nil
}

func (ln *LocalNetwork) enqueue(from uint64, d delivery) {
	ln.mu.Lock()
	if ln.isolated[from] || ln.isolated[d.to] {
		ln.mu.Unlock()
		return
	}
	if !ln.opts.Async {
		ln.queue = append(ln.queue, d)
		ln.mu.Unlock()
		return
	}
	ln.mu.Unlock()
	ln.mailboxes[d.to].push(d.raw)
}

// Flush delivers queued messages in FIFO order, including the ones sent while
// flushing, until the queue is empty. It returns the number of deliveries.
func (ln *LocalNetwork) Flush() int {
	delivered := 0
	for {
		ln.mu.Lock()
		if len(ln.queue) == 0 {
			ln.mu.Unlock()
			return delivered
		}
		d := ln.queue[0]
		ln.queue = ln.queue[1:]
		ln.mu.Unlock()

		ln.deliver(d.to, d.raw)
		delivered++
	}
}

// Pending is the number of queued messages in manual mode.
func (ln *LocalNetwork) Pending() int {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return len(ln.queue)
}

func (ln *LocalNetwork) deliver(to uint64, raw []byte) {
	ln.mu.Lock()
	h := ln.handlers[to]
	ln.mu.Unlock()
	if h == nil {
		return
	}
	req, err := network.Open(raw, ln.validators)
	if err != nil {
		logger.Warn("validator %d rejected envelope: %v", to, err)
		return
	}
	if err := h.HandleRequest(req); err != nil {
		logger.Warn("validator %d failed to handle %s from %d: %v", to, req.Message().Command(), req.Sender(), err)
	}
}

func (ln *LocalNetwork) latency() time.Duration {
	if ln.opts.MaxLatency <= 0 {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return time.Duration(ln.rng.Int63n(int64(ln.opts.MaxLatency)))
}

func (ln *LocalNetwork) runMailbox(to uint64, mb *mailbox) {
	for {
		raw, ok := mb.pop()
		if !ok {
			return
		}
		if d := ln.latency(); d > 0 {
			time.Sleep(d)
		}
		ln.deliver(to, raw)
	}
}

// Close stops the async delivery goroutines and waits for them.
func (ln *LocalNetwork) Close() error {
	ln.closeOnce.Do(func() {
		for _, mb := range ln.mailboxes {
			mb.close()
		}
	})
	return ln.group.Wait()
}

type localHost struct {
	net *LocalNetwork
	id  uint64
}

func (h *localHost) ID() uint64 { return h.id }

func (h *localHost) Broadcast(command string, body []byte) error {
	return h.net.broadcast(h.id, command, body)
}

func (h *localHost) Send(target uint64, command string, body []byte) error {
	return h.net.send(h.id, target, command, body)
}

// mailbox is an unbounded FIFO so that senders never block on a slow receiver.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) push(raw []byte) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.items = append(mb.items, raw)
	mb.cond.Signal()
}

func (mb *mailbox) pop() ([]byte, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.items) == 0 && !mb.closed {
		mb.cond.Wait()
	}
	if mb.closed {
		return nil, false
	}
	raw := mb.items[0]
	mb.items = mb.items[1:]
	return raw, true
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	mb.cond.Broadcast()
}
