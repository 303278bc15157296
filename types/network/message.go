package network

type Message interface {
	Marshal() ([]byte, error)
	String() string
	// getter
	Command() string
	Body() []byte
	Sender() uint64
	ID() string
	Sign() []byte
}

// Request is a message whose sender signature has been checked against the
// validator set.
type Request interface {
	Message() Message
	Sender() uint64
}
