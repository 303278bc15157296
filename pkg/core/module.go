package core

import (
	t_network "github.com/meta-node-blockchain/meta-bba/types/network"
)

// Module is a protocol component that a Node registers and drives.
type Module interface {
	// CommandHandlers maps network commands to the module's handlers.
	CommandHandlers() map[string]func(t_network.Request) error
	// Start launches background work.
	Start()
	// Stop ends background work.
	Stop()
}
