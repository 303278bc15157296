package binaryagreement

import (
	"errors"
	"fmt"

	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

// --- Network & Node Info ---

// NetworkInfo carries the validator count, fault tolerance and our own index. It is
// passed to every instance explicitly and never changes after construction.
type NetworkInfo struct {
	n        int
	f        int
	ourIndex uint64
}

func NewNetworkInfo(n, f int, ourIndex uint64) (*NetworkInfo, error) {
	if n <= 0 || f < 0 {
		return nil, fmt.Errorf("invalid network size n=%d f=%d", n, f)
	}
	if n < 3*f+1 {
		return nil, fmt.Errorf("n=%d cannot tolerate f=%d faults (need n >= 3f+1)", n, f)
	}
	if ourIndex >= uint64(n) {
		return nil, fmt.Errorf("validator index %d out of range for n=%d", ourIndex, n)
	}
	return &NetworkInfo{n: n, f: f, ourIndex: ourIndex}, nil
}

// MaxFaulty returns the largest f with n >= 3f+1.
func MaxFaulty(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

func (ni *NetworkInfo) N() int           { return ni.n }
func (ni *NetworkInfo) F() int           { return ni.f }
func (ni *NetworkInfo) OurIndex() uint64 { return ni.ourIndex }

// QuorumSize is F+1: enough voters to include at least one honest one.
func (ni *NetworkInfo) QuorumSize() int { return ni.f + 1 }

// ByzantineQuorumSize is 2F+1.
func (ni *NetworkInfo) ByzantineQuorumSize() int { return 2*ni.f + 1 }

// CorrectQuorumSize is N-F.
func (ni *NetworkInfo) CorrectQuorumSize() int { return ni.n - ni.f }

func (ni *NetworkInfo) IsValidator(index uint64) bool { return index < uint64(ni.n) }

// --- Request status ---

type RequestStatus uint8

const (
	NotRequested RequestStatus = iota
	Requested
	Sent
)

func (rs RequestStatus) String() string {
	switch rs {
	case NotRequested:
		return "NotRequested"
	case Requested:
		return "Requested"
	case Sent:
		return "Sent"
	}
	return fmt.Sprintf("RequestStatus(%d)", uint8(rs))
}

// --- Faults and Errors ---

type FaultKind string

const (
	FaultRoutingMismatch FaultKind = "RoutingMismatch"
	FaultUnknownSender   FaultKind = "UnknownSender"
	FaultInvalidConf     FaultKind = "InvalidConf"
	FaultUnknownPayload  FaultKind = "UnknownPayload"
	FaultSenderMismatch  FaultKind = "SenderMismatch"
	FaultMalformed       FaultKind = "Malformed"
	FaultBadSignature    FaultKind = "BadSignature"
)

// Fault is a rejected message. It never changes instance state.
type Fault struct {
	Sender uint64
	Kind   FaultKind
	Detail string
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("fault from %d: %s", f.Sender, f.Kind)
	}
	return fmt.Sprintf("fault from %d: %s (%s)", f.Sender, f.Kind, f.Detail)
}

func newFault(sender uint64, kind FaultKind, format string, a ...interface{}) *Fault {
	return &Fault{Sender: sender, Kind: kind, Detail: fmt.Sprintf(format, a...)}
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

var (
	ErrAlreadyRequested = errors.New("binary broadcast already requested")
	ErrAlreadyStarted   = errors.New("binary agreement already started")
	ErrEpochParity      = errors.New("event delivered for an epoch of the wrong phase")
	ErrEmptyResult      = errors.New("broadcast result must not be empty")
)

// --- Steps ---

// BroadcastStep collects what a BinaryBroadcast handler wants done.
type BroadcastStep struct {
	// Messages go to every validator, ourselves included.
	Messages []Message
	// Result is set at most once over the life of an instance: when it is delivered.
	Result *BinarySet
}

func (s *BroadcastStep) broadcast(id protocolid.BroadcastId, sender uint64, payload Payload) {
	s.Messages = append(s.Messages, Message{Id: id, Sender: sender, Payload: payload})
}

func (s BroadcastStep) Empty() bool { return len(s.Messages) == 0 && s.Result == nil }

// ChildRequest asks the registry to request the binary broadcast of one epoch.
type ChildRequest struct {
	Id    protocolid.BroadcastId
	Input bool
}

// AgreementStep collects what a BinaryAgreement advance wants done.
type AgreementStep struct {
	Children     []ChildRequest
	CoinRequests []protocolid.CoinId
	// Retired lists broadcast epochs whose results have been consumed.
	Retired []uint64
	// Decision is set once, when the decided bit is delivered to the caller.
	Decision      *bool
	DecisionEpoch uint64
	Terminated    bool
}
