package network

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/meta-node-blockchain/meta-bba/pkg/core"
	"github.com/meta-node-blockchain/meta-bba/types/network"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Handler routes incoming requests by command. Commands with a configured limit are
// throttled with a token bucket.
type Handler struct {
	routes   map[string]func(network.Request) error
	limiters map[string]*rate.Limiter
	mutex    sync.RWMutex
}

// NewHandler creates a Handler. limits maps a command to the allowed requests per
// second, which is also the burst size; nil means no limits.
func NewHandler(
	routes map[string]func(network.Request) error,
	limits map[string]int,
) *Handler {
	if routes == nil {
		routes = make(map[string]func(network.Request) error)
	}

	h := &Handler{
		routes:   routes,
		limiters: make(map[string]*rate.Limiter),
	}
	for command, limitPerSecond := range limits {
		if limitPerSecond > 0 {
			h.limiters[command] = rate.NewLimiter(rate.Limit(limitPerSecond), limitPerSecond)
		}
	}
	return h
}

// Register adds the routes of a module. A command registered twice is an error.
func (h *Handler) Register(m core.Module) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for cmd, route := range m.CommandHandlers() {
		if _, exists := h.routes[cmd]; exists {
			return fmt.Errorf("command %s already registered", cmd)
		}
		h.routes[cmd] = route
	}
	return nil
}

// HandleRequest checks the rate limit, then runs the route for the command.
func (h *Handler) HandleRequest(r network.Request) error {
	if r == nil || r.Message() == nil {
		return errors.New("invalid request or message")
	}

	cmd := r.Message().Command()
	if cmd == "" {
		return errors.New("command must not be empty")
	}

	h.mutex.RLock()
	limiter, limited := h.limiters[cmd]
	route, routeExists := h.routes[cmd]
	h.mutex.RUnlock()

	if limited && !limiter.Allow() {
		return fmt.Errorf("%w for command: %s", ErrRateLimited, cmd)
	}
	if !routeExists {
		return fmt.Errorf("command not found: %s", cmd)
	}
	if route == nil {
		return fmt.Errorf("internal error: route for command '%s' is nil", cmd)
	}
	return route(r)
}
