// Package bba hosts every binary agreement and binary broadcast instance of a
// validator and executes their side effects against a core.Host.
package bba

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/algorand/go-deadlock"

	"github.com/meta-node-blockchain/meta-bba/pkg/binaryagreement"
	m_common "github.com/meta-node-blockchain/meta-bba/pkg/common"
	"github.com/meta-node-blockchain/meta-bba/pkg/core"
	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/loggerfile"
	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
	"github.com/meta-node-blockchain/meta-bba/pkg/storage"
	t_network "github.com/meta-node-blockchain/meta-bba/types/network"
)

const (
	// Eras kept in memory behind the highest started era.
	DefaultCleanupThreshold = 500
	DefaultCleanupInterval  = 5 * time.Minute
)

var (
	ErrEraRetired = errors.New("era already cleaned up")
	ErrNoCoin     = errors.New("no coin source configured")
)

var _ core.Module = (*Process)(nil)

// Journal persists decisions across restarts.
type Journal interface {
	Record(id protocolid.AgreementId, d storage.Decision) error
	Lookup(id protocolid.AgreementId) (storage.Decision, bool, error)
}

// CoinSource flips common coins; values come back through Process.DeliverCoin.
type CoinSource interface {
	RequestCoin(id protocolid.CoinId) error
}

type coinPruner interface {
	Prune(floor uint64)
}

type Options struct {
	CleanupThreshold uint64
	// CleanupInterval <= 0 disables the cleanup ticker.
	CleanupInterval time.Duration
	Journal         Journal
	Metrics         *Metrics
	Traces          *loggerfile.Set
}

type outcome struct {
	value bool
	err   error
}

// task is one unit of queued work; it returns the work it causes.
type task func() []task

// mailbox serializes the work of one agreement and of the broadcasts of its epochs.
// Work for different agreements runs in different mailboxes.
type mailbox struct {
	mu       deadlock.Mutex
	queue    []task
	draining bool
}

// run appends tasks and, unless another caller is already draining the mailbox,
// executes queued tasks until none are left. No lock is held while a task runs.
func (mb *mailbox) run(tasks ...task) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, tasks...)
	if mb.draining {
		mb.mu.Unlock()
		return
	}
	mb.draining = true
	for len(mb.queue) > 0 {
		next := mb.queue[0]
		mb.queue[0] = nil
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		more := next()

		mb.mu.Lock()
		mb.queue = append(mb.queue, more...)
	}
	mb.draining = false
	mb.queue = nil
	mb.mu.Unlock()
}

// Process manages all agreement sessions of one validator.
type Process struct {
	host    core.Host
	netinfo *binaryagreement.NetworkInfo
	opts    Options

	mu         deadlock.RWMutex
	coin       CoinSource
	agreements map[protocolid.AgreementId]*binaryagreement.BinaryAgreement
	broadcasts map[protocolid.BroadcastId]*binaryagreement.BinaryBroadcast
	retired    map[protocolid.BroadcastId]struct{}
	mailboxes  map[protocolid.AgreementId]*mailbox
	decisions  map[protocolid.AgreementId]storage.Decision
	waiters    map[protocolid.AgreementId][]chan outcome
	highestEra uint64
	eraFloor   uint64

	doneChan chan struct{}
	stopOnce sync.Once
}

func NewProcess(host core.Host, netinfo *binaryagreement.NetworkInfo, opts Options) *Process {
	if opts.CleanupThreshold == 0 {
		opts.CleanupThreshold = DefaultCleanupThreshold
	}
	return &Process{
		host:       host,
		netinfo:    netinfo,
		opts:       opts,
		agreements: make(map[protocolid.AgreementId]*binaryagreement.BinaryAgreement),
		broadcasts: make(map[protocolid.BroadcastId]*binaryagreement.BinaryBroadcast),
		retired:    make(map[protocolid.BroadcastId]struct{}),
		mailboxes:  make(map[protocolid.AgreementId]*mailbox),
		decisions:  make(map[protocolid.AgreementId]storage.Decision),
		waiters:    make(map[protocolid.AgreementId][]chan outcome),
		doneChan:   make(chan struct{}),
	}
}

// SetCoinSource installs the coin used by agreements with F > 0.
func (p *Process) SetCoinSource(coin CoinSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coin = coin
}

func (p *Process) CommandHandlers() map[string]func(t_network.Request) error {
	return map[string]func(t_network.Request) error{
		m_common.BBAMessage: p.handleNetworkRequest,
	}
}

// Start launches the era cleanup ticker.
func (p *Process) Start() {
	logger.Info("BBA process started for validator %d (n=%d f=%d)", p.netinfo.OurIndex(), p.netinfo.N(), p.netinfo.F())
	if p.opts.CleanupInterval > 0 {
		go p.startCleanupTicker()
	}
}

func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		logger.Info("BBA process stopping")
		close(p.doneChan)
		p.opts.Traces.CloseAll()
	})
}

func (p *Process) startCleanupTicker() {
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanupOldEras()
		case <-p.doneChan:
			return
		}
	}
}

// cleanupOldEras drops every instance and decision of an era below
// highestEra - CleanupThreshold and returns how many were removed. Later messages
// for those eras are ignored.
func (p *Process) cleanupOldEras() int {
	p.mu.Lock()
	if p.highestEra <= p.opts.CleanupThreshold {
		p.mu.Unlock()
		return 0
	}
	floor := p.highestEra - p.opts.CleanupThreshold
	if floor <= p.eraFloor {
		p.mu.Unlock()
		return 0
	}
	oldFloor := p.eraFloor
	p.eraFloor = floor

	deleted := 0
	for id := range p.agreements {
		if id.Era < floor {
			delete(p.agreements, id)
			deleted++
		}
	}
	for id := range p.broadcasts {
		if id.Era < floor {
			delete(p.broadcasts, id)
			deleted++
		}
	}
	for id := range p.retired {
		if id.Era < floor {
			delete(p.retired, id)
		}
	}
	for id := range p.mailboxes {
		if id.Era < floor {
			delete(p.mailboxes, id)
		}
	}
	for id := range p.decisions {
		if id.Era < floor {
			delete(p.decisions, id)
			deleted++
		}
	}
	var dropped []chan outcome
	for id, ws := range p.waiters {
		if id.Era < floor {
			dropped = append(dropped, ws...)
			delete(p.waiters, id)
		}
	}
	coin := p.coin
	p.opts.Metrics.active(len(p.agreements), len(p.broadcasts))
	p.mu.Unlock()

	for _, w := range dropped {
		w <- outcome{err: ErrEraRetired}
	}
	if pruner, ok := coin.(coinPruner); ok {
		pruner.Prune(floor)
	}
	for era := oldFloor; era < floor; era++ {
		p.opts.Traces.Release(p.traceName(era))
	}
	if deleted > 0 {
		logger.Info("BBA cleanup: removed %d instances and decisions of eras older than %d", deleted, floor)
	}
	return deleted
}

func (p *Process) traceName(era uint64) string {
	return fmt.Sprintf("%d/era_%d.log", p.netinfo.OurIndex(), era)
}

func (p *Process) trace(era uint64, format string, a ...interface{}) {
	p.opts.Traces.Get(p.traceName(era)).Info(format, a...)
}

// StartAgreement proposes estimate for id. A decision already in the journal is
// delivered again instead of starting a new run.
func (p *Process) StartAgreement(id protocolid.AgreementId, estimate bool) error {
	if d, ok := p.journaled(id); ok {
		logger.Info("%s already decided %t at epoch %d", id, d.Value, d.Epoch)
		p.notify(id, outcome{value: d.Value})
		return nil
	}

	p.mu.Lock()
	if id.Era < p.eraFloor {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrEraRetired)
	}
	if _, done := p.decisions[id]; done {
		p.mu.Unlock()
		logger.Warn("%s: %v", id, binaryagreement.ErrAlreadyStarted)
		return binaryagreement.ErrAlreadyStarted
	}
	ag, ok := p.agreements[id]
	if !ok {
		ag = binaryagreement.NewBinaryAgreement(id, p.netinfo)
		p.agreements[id] = ag
		p.opts.Metrics.active(len(p.agreements), len(p.broadcasts))
	}
	if id.Era > p.highestEra {
		p.highestEra = id.Era
	}
	p.mu.Unlock()

	step, err := ag.Start(estimate)
	if err != nil {
		logger.Warn("%s: %v", id, err)
		return err
	}
	logger.Debug("validator %d starting %s with %t", p.netinfo.OurIndex(), id, estimate)
	p.trace(id.Era, "%s start with estimate %t", id, estimate)
	p.run(id, func() []task { return p.agreementStep(id, step) })
	return nil
}

// StartAgreementAndWait starts id and blocks until it decides or ctx is done.
func (p *Process) StartAgreementAndWait(ctx context.Context, id protocolid.AgreementId, estimate bool) (bool, error) {
	w := make(chan outcome, 1)
	p.mu.Lock()
	p.waiters[id] = append(p.waiters[id], w)
	p.mu.Unlock()

	if err := p.StartAgreement(id, estimate); err != nil {
		p.removeWaiter(id, w)
		return false, err
	}
	if v, ok := p.Decision(id); ok {
		p.removeWaiter(id, w)
		return v, nil
	}

	select {
	case o := <-w:
		return o.value, o.err
	case <-ctx.Done():
		p.removeWaiter(id, w)
		return false, fmt.Errorf("agreement %s: %w", id, ctx.Err())
	}
}

func (p *Process) removeWaiter(id protocolid.AgreementId, w chan outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.waiters[id]
	for i, other := range ws {
		if other == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(p.waiters, id)
	} else {
		p.waiters[id] = ws
	}
}

func (p *Process) notify(id protocolid.AgreementId, o outcome) {
	p.mu.Lock()
	ws := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()
	for _, w := range ws {
		w <- o
	}
}

// journaled looks id up in the journal. A hit is remembered as a finished agreement.
func (p *Process) journaled(id protocolid.AgreementId) (storage.Decision, bool) {
	if p.opts.Journal == nil {
		return storage.Decision{}, false
	}
	p.mu.RLock()
	_, known := p.decisions[id]
	_, running := p.agreements[id]
	p.mu.RUnlock()
	if known || running {
		return storage.Decision{}, false
	}

	d, ok, err := p.opts.Journal.Lookup(id)
	if err != nil {
		logger.Warn("journal lookup for %s failed: %v", id, err)
		return storage.Decision{}, false
	}
	if !ok {
		return storage.Decision{}, false
	}
	p.mu.Lock()
	p.decisions[id] = d
	p.mu.Unlock()
	return d, true
}

// Decision returns the decided bit of id, if it has decided.
func (p *Process) Decision(id protocolid.AgreementId) (bool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.decisions[id]
	return d.Value, ok
}

// DeliverCoin hands the value of a common coin to its agreement.
func (p *Process) DeliverCoin(id protocolid.CoinId, value bool) {
	aid := id.AgreementId()
	p.run(aid, func() []task {
		p.mu.RLock()
		ag := p.agreements[aid]
		p.mu.RUnlock()
		if ag == nil {
			return nil
		}
		step, err := ag.HandleCoin(id.Epoch, value)
		if err != nil {
			logger.Warn("%s: %v", id, err)
			return nil
		}
		return p.agreementStep(aid, step)
	})
}

// HandleMessage processes one broadcast message. Faults are logged and counted,
// never returned.
func (p *Process) HandleMessage(msg binaryagreement.Message) {
	p.run(msg.Id.AgreementId(), func() []task { return p.deliverMessage(msg) })
}

func (p *Process) handleNetworkRequest(req t_network.Request) error {
	msg, err := binaryagreement.DecodeMessage(req.Message().Body())
	if err != nil {
		p.fault(&binaryagreement.Fault{Sender: req.Sender(), Kind: binaryagreement.FaultMalformed, Detail: err.Error()})
		return nil
	}
	if msg.Sender != req.Sender() {
		p.fault(&binaryagreement.Fault{
			Sender: req.Sender(),
			Kind:   binaryagreement.FaultSenderMismatch,
			Detail: fmt.Sprintf("payload claims sender %d", msg.Sender),
		})
		return nil
	}
	logger.Trace("validator %d received %s", p.netinfo.OurIndex(), msg)
	p.HandleMessage(msg)
	return nil
}

// run queues tasks on the mailbox of agreement id. Work for an era that was
// cleaned up is dropped.
func (p *Process) run(id protocolid.AgreementId, tasks ...task) {
	p.mu.Lock()
	if id.Era < p.eraFloor {
		p.mu.Unlock()
		return
	}
	mb, ok := p.mailboxes[id]
	if !ok {
		mb = &mailbox{}
		p.mailboxes[id] = mb
	}
	p.mu.Unlock()
	mb.run(tasks...)
}

func (p *Process) fault(err error) {
	f, ok := binaryagreement.AsFault(err)
	if !ok {
		logger.Warn("validator %d: %v", p.netinfo.OurIndex(), err)
		return
	}
	logger.Warn("validator %d rejected message: %v", p.netinfo.OurIndex(), f)
	p.opts.Metrics.fault(f.Kind)
}

// broadcast returns the instance for id, creating it unless it was retired or its
// era was cleaned up.
func (p *Process) broadcast(id protocolid.BroadcastId) *binaryagreement.BinaryBroadcast {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id.Era < p.eraFloor {
		return nil
	}
	if _, gone := p.retired[id]; gone {
		return nil
	}
	bb, ok := p.broadcasts[id]
	if !ok {
		bb = binaryagreement.NewBinaryBroadcast(id, p.netinfo)
		p.broadcasts[id] = bb
		p.opts.Metrics.active(len(p.agreements), len(p.broadcasts))
	}
	return bb
}

func (p *Process) deliverMessage(msg binaryagreement.Message) []task {
	if !p.netinfo.IsValidator(msg.Sender) {
		p.fault(&binaryagreement.Fault{Sender: msg.Sender, Kind: binaryagreement.FaultUnknownSender})
		return nil
	}
	bb := p.broadcast(msg.Id)
	if bb == nil {
		return nil
	}
	step, err := bb.HandleMessage(msg)
	if err != nil {
		p.fault(err)
		return nil
	}
	return p.broadcastStep(msg.Id, step)
}

func (p *Process) broadcastStep(id protocolid.BroadcastId, step binaryagreement.BroadcastStep) []task {
	var next []task
	for _, msg := range step.Messages {
		msg := msg
		p.send(msg)
		next = append(next, func() []task { return p.deliverMessage(msg) })
	}
	if step.Result != nil {
		set := *step.Result
		next = append(next, func() []task { return p.broadcastResult(id, set) })
	}
	return next
}

func (p *Process) send(msg binaryagreement.Message) {
	body, err := binaryagreement.EncodeMessage(msg)
	if err != nil {
		logger.Error("failed to encode %s: %v", msg, err)
		return
	}
	if err := p.host.Broadcast(m_common.BBAMessage, body); err != nil {
		logger.Warn("failed to broadcast %s: %v", msg, err)
	}
}

func (p *Process) broadcastResult(id protocolid.BroadcastId, set binaryagreement.BinarySet) []task {
	aid := id.AgreementId()
	p.mu.RLock()
	ag := p.agreements[aid]
	p.mu.RUnlock()
	if ag == nil {
		return nil
	}
	step, err := ag.HandleBroadcastResult(id.Epoch, set)
	if err != nil {
		logger.Warn("%s: %v", id, err)
		return nil
	}
	return p.agreementStep(aid, step)
}

func (p *Process) agreementStep(id protocolid.AgreementId, step binaryagreement.AgreementStep) []task {
	var next []task
	for _, child := range step.Children {
		child := child
		p.trace(id.Era, "%s broadcast %t", child.Id, child.Input)
		next = append(next, func() []task { return p.requestChild(child) })
	}
	for _, epoch := range step.Retired {
		p.retire(id.Broadcast(epoch))
	}
	for _, coinId := range step.CoinRequests {
		p.requestCoin(coinId)
	}
	if step.Decision != nil {
		p.decided(id, *step.Decision, step.DecisionEpoch)
	}
	if step.Terminated {
		p.terminated(id)
	}
	return next
}

// retire destroys a broadcast whose result was consumed. Later messages for it are
// ignored.
func (p *Process) retire(id protocolid.BroadcastId) {
	p.mu.Lock()
	delete(p.broadcasts, id)
	p.retired[id] = struct{}{}
	p.opts.Metrics.active(len(p.agreements), len(p.broadcasts))
	p.mu.Unlock()
	logger.Trace("%s retired", id)
}

func (p *Process) requestChild(child binaryagreement.ChildRequest) []task {
	bb := p.broadcast(child.Id)
	if bb == nil {
		return nil
	}
	step, err := bb.Request(child.Input)
	if err != nil {
		logger.Warn("%s: %v", child.Id, err)
		return nil
	}
	return p.broadcastStep(child.Id, step)
}

func (p *Process) requestCoin(id protocolid.CoinId) {
	p.mu.RLock()
	coin := p.coin
	p.mu.RUnlock()
	p.opts.Metrics.coinRequested()
	p.trace(id.Era, "%s requested", id)
	if coin == nil {
		logger.Error("%s: %v", id, ErrNoCoin)
		return
	}
	if err := coin.RequestCoin(id); err != nil {
		logger.Warn("%s: %v", id, err)
	}
}

func (p *Process) decided(id protocolid.AgreementId, value bool, epoch uint64) {
	d := storage.Decision{Value: value, Epoch: epoch}
	if p.opts.Journal != nil {
		if err := p.opts.Journal.Record(id, d); err != nil {
			logger.Error("failed to journal decision of %s: %v", id, err)
		}
	}
	p.mu.Lock()
	p.decisions[id] = d
	p.mu.Unlock()
	p.opts.Metrics.decided(value, epoch)
	p.trace(id.Era, "%s decided %t at epoch %d", id, value, epoch)
	p.notify(id, outcome{value: value})
}

// terminated drops the agreement; its decision stays queryable until era cleanup.
func (p *Process) terminated(id protocolid.AgreementId) {
	p.mu.Lock()
	delete(p.agreements, id)
	p.opts.Metrics.active(len(p.agreements), len(p.broadcasts))
	p.mu.Unlock()
	p.trace(id.Era, "%s terminated", id)
}
