package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

var ErrConflictingDecision = errors.New("conflicting decision already recorded")

var decisionPrefix = []byte("decision/")

// Decision is the journaled outcome of one agreement.
type Decision struct {
	Value bool
	Epoch uint64
}

// DecisionJournal records decided bits so a restarted node answers with the same bit.
type DecisionJournal struct {
	db Storage
	mu sync.Mutex
}

func NewDecisionJournal(db Storage) *DecisionJournal {
	return &DecisionJournal{db: db}
}

func decisionKey(id protocolid.AgreementId) []byte {
	return append(append([]byte(nil), decisionPrefix...), id.Bytes()...)
}

// Record stores d for id. Recording the same value twice is a no-op; a different
// value is refused.
func (j *DecisionJournal) Record(id protocolid.AgreementId, d Decision) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	existing, found, err := j.lookup(id)
	if err != nil {
		return err
	}
	if found {
		if existing.Value != d.Value {
			return fmt.Errorf("%w: %s has %t", ErrConflictingDecision, id, existing.Value)
		}
		return nil
	}
	b, err := borsh.Serialize(d)
	if err != nil {
		return err
	}
	return j.db.Put(decisionKey(id), b)
}

func (j *DecisionJournal) Lookup(id protocolid.AgreementId) (Decision, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lookup(id)
}

func (j *DecisionJournal) lookup(id protocolid.AgreementId) (Decision, bool, error) {
	b, err := j.db.Get(decisionKey(id))
	if errors.Is(err, ErrNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := borsh.Deserialize(&d, b); err != nil {
		return Decision{}, false, fmt.Errorf("corrupt journal entry for %s: %w", id, err)
	}
	if again, err := borsh.Serialize(d); err != nil || len(again) != len(b) {
		return Decision{}, false, fmt.Errorf("corrupt journal entry for %s: %d bytes stored", id, len(b))
	}
	return d, true, nil
}

func (j *DecisionJournal) Close() error {
	return j.db.Close()
}
