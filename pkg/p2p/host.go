// Package p2p carries signed envelopes between validators over libp2p streams,
// one stream per message.
package p2p

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/algorand/go-deadlock"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/meta-node-blockchain/meta-bba/pkg/core"
	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	m_network "github.com/meta-node-blockchain/meta-bba/pkg/network"
	t_network "github.com/meta-node-blockchain/meta-bba/types/network"
)

const (
	ProtocolMessage protocol.ID = "/bba/message/1.0.0"

	maxMessageSize = 1 << 20
	sendTimeout    = 10 * time.Second
)

var ErrUnknownPeer = errors.New("unknown validator")

var _ core.Host = (*Host)(nil)

// RequestHandler consumes verified requests, usually a *network.Handler.
type RequestHandler interface {
	HandleRequest(t_network.Request) error
}

// Peer is one validator of the network.
type Peer struct {
	Index uint64
	// PublicKey is the uncompressed secp256k1 key of the validator.
	PublicKey []byte
	Addrs     []ma.Multiaddr
}

type Host struct {
	index uint64
	key   *ecdsa.PrivateKey
	host  host.Host

	peerIds    map[uint64]peer.ID
	validators []common.Address

	mu      deadlock.RWMutex
	handler RequestHandler
}

// PeerID derives the libp2p identity of a secp256k1 validator key.
func PeerID(publicKey []byte) (peer.ID, error) {
	pub, err := p2pcrypto.UnmarshalSecp256k1PublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

// NewHost starts a libp2p host for validator index listening on listen. peers must
// list every validator, ourselves included, indexed 0..N-1.
func NewHost(index uint64, key *ecdsa.PrivateKey, listen ma.Multiaddr, peers []Peer) (*Host, error) {
	priv, err := p2pcrypto.UnmarshalSecp256k1PrivateKey(ethcrypto.FromECDSA(key))
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}
	h := &Host{
		index:      index,
		key:        key,
		peerIds:    make(map[uint64]peer.ID, len(peers)),
		validators: make([]common.Address, len(peers)),
	}
	for _, p := range peers {
		if p.Index >= uint64(len(peers)) {
			return nil, fmt.Errorf("validator index %d out of range", p.Index)
		}
		pub, err := ethcrypto.UnmarshalPubkey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", p.Index, err)
		}
		h.validators[p.Index] = ethcrypto.PubkeyToAddress(*pub)
		id, err := PeerID(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: %w", p.Index, err)
		}
		h.peerIds[p.Index] = id
	}

	h.host, err = libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}
	if h.host.ID() != h.peerIds[index] {
		h.host.Close()
		return nil, fmt.Errorf("node key does not match validator %d", index)
	}
	for _, p := range peers {
		if p.Index != index && len(p.Addrs) > 0 {
			h.host.Peerstore().AddAddrs(h.peerIds[p.Index], p.Addrs, peerstore.PermanentAddrTTL)
		}
	}
	h.host.SetStreamHandler(ProtocolMessage, h.streamHandler)
	logger.Info("p2p host for validator %d listening on %v", index, h.FullAddrs())
	return h, nil
}

func (h *Host) ID() uint64 { return h.index }

func (h *Host) PeerID() peer.ID { return h.host.ID() }

// Addrs are the addresses we listen on.
func (h *Host) Addrs() []ma.Multiaddr { return h.host.Addrs() }

// FullAddrs are Addrs with our /p2p component appended, as handed to operators.
func (h *Host) FullAddrs() []ma.Multiaddr {
	self, err := ma.NewMultiaddr("/p2p/" + h.host.ID().String())
	if err != nil {
		return h.host.Addrs()
	}
	out := make([]ma.Multiaddr, 0, len(h.host.Addrs()))
	for _, a := range h.host.Addrs() {
		out = append(out, a.Encapsulate(self))
	}
	return out
}

// AddPeerAddrs records addresses of validator index for later dials.
func (h *Host) AddPeerAddrs(index uint64, addrs []ma.Multiaddr) error {
	id, ok := h.peerIds[index]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, index)
	}
	h.host.Peerstore().AddAddrs(id, addrs, peerstore.PermanentAddrTTL)
	return nil
}

func (h *Host) SetHandler(handler RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Connect dials every other validator whose address is known. Failed dials are
// logged; streams retry the dial later.
func (h *Host) Connect(ctx context.Context) {
	var g errgroup.Group
	for index, id := range h.peerIds {
		if index == h.index {
			continue
		}
		index, id := index, id
		g.Go(func() error {
			info := h.host.Peerstore().PeerInfo(id)
			if len(info.Addrs) == 0 {
				return nil
			}
			if err := h.host.Connect(ctx, info); err != nil {
				logger.Warn("failed to connect to validator %d: %v", index, err)
			}
			return nil
		})
	}
	g.Wait()
}

// Broadcast seals body once and sends it to every other validator in the background.
func (h *Host) Broadcast(command string, body []byte) error {
	raw, err := m_network.Seal(h.key, command, h.index, body)
	if err != nil {
		return err
	}
	targets := make([]uint64, 0, len(h.peerIds))
	for index := range h.peerIds {
		if index != h.index {
			targets = append(targets, index)
		}
	}
	go h.fanOut(command, targets, raw)
	return nil
}

func (h *Host) Send(target uint64, command string, body []byte) error {
	if _, ok := h.peerIds[target]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, target)
	}
	raw, err := m_network.Seal(h.key, command, h.index, body)
	if err != nil {
		return err
	}
	go h.fanOut(command, []uint64{target}, raw)
	return nil
}

func (h *Host) fanOut(command string, targets []uint64, raw []byte) {
	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			if err := h.sendRaw(target, raw); err != nil {
				return fmt.Errorf("validator %d: %w", target, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("failed to deliver %s: %v", command, err)
	}
}

func (h *Host) sendRaw(target uint64, raw []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	stream, err := h.host.NewStream(ctx, h.peerIds[target], ProtocolMessage)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if _, err := stream.Write(raw); err != nil {
		_ = stream.Reset()
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return stream.Close()
}

func (h *Host) streamHandler(s network.Stream) {
	defer s.Close()
	raw, err := io.ReadAll(io.LimitReader(s, maxMessageSize))
	if err != nil {
		logger.Warn("failed to read stream from %s: %v", s.Conn().RemotePeer(), err)
		_ = s.Reset()
		return
	}
	req, err := m_network.Open(raw, h.validators)
	if err != nil {
		logger.Warn("rejected envelope from %s: %v", s.Conn().RemotePeer(), err)
		return
	}
	if h.peerIds[req.Sender()] != s.Conn().RemotePeer() {
		logger.Warn("envelope of validator %d relayed by %s", req.Sender(), s.Conn().RemotePeer())
		return
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler.HandleRequest(req); err != nil {
		logger.Warn("failed to handle %s from validator %d: %v", req.Message().Command(), req.Sender(), err)
	}
}

func (h *Host) Close() error {
	return h.host.Close()
}
