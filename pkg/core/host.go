package core

// Host is what a node offers to the protocol modules. Modules depend on this
// interface rather than on a concrete transport.
type Host interface {
	// ID is our validator index.
	ID() uint64
	// Broadcast sends a signed message to every other validator.
	Broadcast(command string, body []byte) error
	// Send sends a signed message to one validator.
	Send(target uint64, command string, body []byte) error
}
