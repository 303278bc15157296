package binaryagreement

import (
	"github.com/algorand/go-deadlock"

	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

// BinaryBroadcast is the Bval/Aux/Conf round of one agreement epoch. It converges the
// honest validators on a set of one or two bits.
//
// An instance takes part in the protocol as soon as it is created, whether or not it
// has been requested: it echoes, sends Aux and Conf for other validators. Only the
// local input Bval and the result delivery wait for Request.
type BinaryBroadcast struct {
	mu deadlock.Mutex

	id      protocolid.BroadcastId
	netinfo *NetworkInfo

	receivedBval map[uint64]BinarySet
	bvalCount    [2]int
	sentBval     BinarySet
	binValues    BinarySet

	receivedAux map[uint64]struct{}
	auxCount    [2]int
	confSent    bool

	receivedConf map[uint64]BinarySet

	result *BinarySet
	status RequestStatus
}

func NewBinaryBroadcast(id protocolid.BroadcastId, netinfo *NetworkInfo) *BinaryBroadcast {
	return &BinaryBroadcast{
		id:           id,
		netinfo:      netinfo,
		receivedBval: make(map[uint64]BinarySet),
		receivedAux:  make(map[uint64]struct{}),
		receivedConf: make(map[uint64]BinarySet),
	}
}

func (bb *BinaryBroadcast) Id() protocolid.BroadcastId { return bb.id }

// Request supplies our input bit and asks for the result. It may be called once.
func (bb *BinaryBroadcast) Request(input bool) (BroadcastStep, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	var step BroadcastStep
	if bb.status != NotRequested {
		return step, ErrAlreadyRequested
	}
	bb.status = Requested
	bb.sendBval(&step, input)
	bb.deliver(&step)
	return step, nil
}

// HandleMessage processes one Bval, Aux or Conf. Faults are returned as *Fault and
// leave the instance untouched; duplicates are dropped without error.
func (bb *BinaryBroadcast) HandleMessage(msg Message) (BroadcastStep, error) {
	var step BroadcastStep
	if msg.Id != bb.id {
		return step, newFault(msg.Sender, FaultRoutingMismatch, "message for %s routed to %s", msg.Id, bb.id)
	}
	if !bb.netinfo.IsValidator(msg.Sender) {
		return step, newFault(msg.Sender, FaultUnknownSender, "%s", bb.id)
	}

	bb.mu.Lock()
	defer bb.mu.Unlock()

	switch p := msg.Payload.(type) {
	case Bval:
		bb.handleBval(&step, msg.Sender, p.Value)
	case Aux:
		bb.handleAux(&step, msg.Sender, p.Value)
	case Conf:
		if p.Values == EmptySet || !p.Values.Valid() {
			return step, newFault(msg.Sender, FaultInvalidConf, "conf %08b", uint8(p.Values))
		}
		bb.handleConf(&step, msg.Sender, p.Values)
	default:
		return step, newFault(msg.Sender, FaultUnknownPayload, "%T", msg.Payload)
	}
	return step, nil
}

// Result returns the converged set once it exists, delivered or not.
func (bb *BinaryBroadcast) Result() (BinarySet, bool) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.result == nil {
		return EmptySet, false
	}
	return *bb.result, true
}

func (bb *BinaryBroadcast) Status() RequestStatus {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.status
}

func (bb *BinaryBroadcast) BinValues() BinarySet {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.binValues
}

func index(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (bb *BinaryBroadcast) sendBval(step *BroadcastStep, b bool) {
	if bb.sentBval.Contains(b) {
		return
	}
	bb.sentBval = bb.sentBval.Add(b)
	step.broadcast(bb.id, bb.netinfo.OurIndex(), Bval{Value: b})
}

func (bb *BinaryBroadcast) handleBval(step *BroadcastStep, sender uint64, b bool) {
	seen := bb.receivedBval[sender]
	if seen.Contains(b) {
		return
	}
	bb.receivedBval[sender] = seen.Add(b)
	bb.bvalCount[index(b)]++
	count := bb.bvalCount[index(b)]

	if count >= bb.netinfo.QuorumSize() {
		bb.sendBval(step, b)
	}
	if count >= bb.netinfo.ByzantineQuorumSize() && !bb.binValues.Contains(b) {
		bb.binValues = bb.binValues.Add(b)
		logger.Trace("%s binValues -> %s", bb.id, bb.binValues)
		if bb.binValues.Count() == 1 {
			step.broadcast(bb.id, bb.netinfo.OurIndex(), Aux{Value: b})
		}
		bb.trySendConf(step)
		bb.tryResult(step)
	}
}

func (bb *BinaryBroadcast) handleAux(step *BroadcastStep, sender uint64, b bool) {
	if _, ok := bb.receivedAux[sender]; ok {
		return
	}
	bb.receivedAux[sender] = struct{}{}
	bb.auxCount[index(b)]++
	bb.trySendConf(step)
	bb.tryResult(step)
}

func (bb *BinaryBroadcast) handleConf(step *BroadcastStep, sender uint64, set BinarySet) {
	if _, ok := bb.receivedConf[sender]; ok {
		return
	}
	bb.receivedConf[sender] = set
	bb.tryResult(step)
}

// auxQuorum reports whether the Aux votes for bits in binValues reach N-F.
func (bb *BinaryBroadcast) auxQuorum() bool {
	if bb.binValues == EmptySet {
		return false
	}
	sum := 0
	for _, b := range bb.binValues.Values() {
		sum += bb.auxCount[index(b)]
	}
	return sum >= bb.netinfo.CorrectQuorumSize()
}

func (bb *BinaryBroadcast) trySendConf(step *BroadcastStep) {
	if bb.confSent || !bb.auxQuorum() {
		return
	}
	bb.confSent = true
	step.broadcast(bb.id, bb.netinfo.OurIndex(), Conf{Values: bb.binValues})
	bb.tryResult(step)
}

func (bb *BinaryBroadcast) tryResult(step *BroadcastStep) {
	if bb.result != nil || !bb.auxQuorum() {
		return
	}
	confirmed := 0
	for _, set := range bb.receivedConf {
		if bb.binValues.ContainsSet(set) {
			confirmed++
		}
	}
	if confirmed < bb.netinfo.CorrectQuorumSize() {
		return
	}
	// The full binValues is the result; it is not reduced to a single bit.
	result := bb.binValues
	bb.result = &result
	logger.Debug("%s result %s", bb.id, result)
	bb.deliver(step)
}

// deliver hands the result out once, after Request.
func (bb *BinaryBroadcast) deliver(step *BroadcastStep) {
	if bb.result == nil || bb.status != Requested {
		return
	}
	result := *bb.result
	step.Result = &result
	bb.status = Sent
}
