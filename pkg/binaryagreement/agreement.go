package binaryagreement

import (
	"github.com/algorand/go-deadlock"

	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

// BinaryAgreement drives one decision through alternating epochs: even epochs run a
// BinaryBroadcast, odd epochs flip the common coin. It never talks to the network
// itself; every side effect comes back in an AgreementStep.
type BinaryAgreement struct {
	mu deadlock.Mutex

	id      protocolid.AgreementId
	netinfo *NetworkInfo

	currentEpoch  uint64
	estimate      bool
	currentValues BinarySet

	result      *bool
	resultEpoch uint64
	confirmed   bool

	coins            map[uint64]bool
	broadcastResults map[uint64]BinarySet
	status           RequestStatus
}

func NewBinaryAgreement(id protocolid.AgreementId, netinfo *NetworkInfo) *BinaryAgreement {
	return &BinaryAgreement{
		id:               id,
		netinfo:          netinfo,
		coins:            make(map[uint64]bool),
		broadcastResults: make(map[uint64]BinarySet),
	}
}

func (ba *BinaryAgreement) Id() protocolid.AgreementId { return ba.id }

// Start proposes our initial estimate. It is valid once, before epoch 0 has run.
func (ba *BinaryAgreement) Start(estimate bool) (AgreementStep, error) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if ba.status != NotRequested || ba.currentEpoch != 0 {
		return AgreementStep{}, ErrAlreadyStarted
	}
	ba.status = Requested
	ba.estimate = estimate
	logger.Debug("%s start with estimate %t", ba.id, estimate)
	return ba.advance(), nil
}

// HandleBroadcastResult records the result of the broadcast for an even epoch.
func (ba *BinaryAgreement) HandleBroadcastResult(epoch uint64, set BinarySet) (AgreementStep, error) {
	if epoch%2 != 0 {
		return AgreementStep{}, ErrEpochParity
	}
	if set == EmptySet || !set.Valid() {
		return AgreementStep{}, ErrEmptyResult
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()
	if ba.confirmed || ba.consumed(epoch) {
		return AgreementStep{}, nil
	}
	if _, ok := ba.broadcastResults[epoch]; ok {
		return AgreementStep{}, nil
	}
	ba.broadcastResults[epoch] = set
	return ba.advance(), nil
}

// HandleCoin records the coin of an odd epoch.
func (ba *BinaryAgreement) HandleCoin(epoch uint64, value bool) (AgreementStep, error) {
	if epoch%2 != 1 {
		return AgreementStep{}, ErrEpochParity
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()
	if ba.confirmed || ba.consumed(epoch) {
		return AgreementStep{}, nil
	}
	if _, ok := ba.coins[epoch]; ok {
		return AgreementStep{}, nil
	}
	ba.coins[epoch] = value
	return ba.advance(), nil
}

// Decision returns the decided bit, if any.
func (ba *BinaryAgreement) Decision() (bool, bool) {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	if ba.result == nil {
		return false, false
	}
	return *ba.result, true
}

// Terminated reports whether the confirmation epoch has been observed.
func (ba *BinaryAgreement) Terminated() bool {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return ba.confirmed
}

// Epoch is the next epoch the loop will try to run.
func (ba *BinaryAgreement) Epoch() uint64 {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return ba.currentEpoch
}

// consumed reports whether the event of the given epoch was already used by the loop.
func (ba *BinaryAgreement) consumed(epoch uint64) bool {
	return epoch+1 < ba.currentEpoch
}

// advance runs epochs until a dependency is missing or the agreement terminates.
// Must be called with ba.mu held.
func (ba *BinaryAgreement) advance() AgreementStep {
	var step AgreementStep
	if ba.status == NotRequested {
		return step
	}
	for !ba.confirmed {
		e := ba.currentEpoch
		if e%2 == 0 {
			if !ba.runBroadcastEpoch(&step, e) {
				break
			}
		} else if !ba.runCoinEpoch(&step, e) {
			break
		}
	}
	return step
}

func (ba *BinaryAgreement) runBroadcastEpoch(step *AgreementStep, e uint64) bool {
	if e > 0 {
		s, ok := ba.coins[e-1]
		if !ok {
			return false
		}
		delete(ba.coins, e-1)

		single, definite := ba.currentValues.Definite()
		switch {
		case definite && ba.result == nil:
			ba.estimate = single
			if single == s {
				ba.decide(step, e)
			}
		case ba.result != nil && s == *ba.result:
			if e > ba.resultEpoch {
				ba.confirmed = true
				step.Terminated = true
				logger.Info("%s terminated at epoch %d (decided %t at %d)", ba.id, e, *ba.result, ba.resultEpoch)
				return false
			}
		default:
			ba.estimate = s
		}
		if ba.result != nil {
			ba.estimate = *ba.result
		}
	}

	step.Children = append(step.Children, ChildRequest{Id: ba.id.Broadcast(e), Input: ba.estimate})
	logger.Debug("%s epoch %d broadcast %t", ba.id, e, ba.estimate)
	ba.currentEpoch = e + 1
	return true
}

func (ba *BinaryAgreement) runCoinEpoch(step *AgreementStep, e uint64) bool {
	values, ok := ba.broadcastResults[e-1]
	if !ok {
		return false
	}
	delete(ba.broadcastResults, e-1)
	ba.currentValues = values
	step.Retired = append(step.Retired, e-1)

	if ba.netinfo.F() == 0 {
		ba.coins[e] = DeterministicCoin(e)
	} else if _, ok := ba.coins[e]; !ok {
		step.CoinRequests = append(step.CoinRequests, ba.id.Coin(e))
	}
	logger.Debug("%s epoch %d values %s", ba.id, e, values)
	ba.currentEpoch = e + 1
	return true
}

func (ba *BinaryAgreement) decide(step *AgreementStep, e uint64) {
	result := ba.estimate
	ba.result = &result
	ba.resultEpoch = e
	logger.Info("%s decided %t at epoch %d", ba.id, result, e)
	if ba.status == Requested {
		decision := result
		step.Decision = &decision
		step.DecisionEpoch = e
		ba.status = Sent
	}
}
