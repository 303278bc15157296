package network

import "github.com/meta-node-blockchain/meta-bba/types/network"

// Request is a message together with the validator index whose signature it carries.
type Request struct {
	sender  uint64
	message network.Message
}

func NewRequest(
	sender uint64,
	message network.Message,
) network.Request {
	return &Request{
		sender:  sender,
		message: message,
	}
}

func (r *Request) Message() network.Message {
	return r.message
}

// Sender is the verified validator index.
func (r *Request) Sender() uint64 {
	return r.sender
}
