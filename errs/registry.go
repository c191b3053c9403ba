package errs

import (
	"sync"

	"github.com/pombredanne/junction/identity"
)

// ErrorConstructor builds the locally-reconstructed error for a
// registered code, given the peer that raised it and the arguments the
// wire carried.
type ErrorConstructor func(peer identity.Identity, args []interface{}) error

// Registry maps a small integer code to a constructor for a registered
// typed error, the Go analogue of the source pattern's process-wide
// error-class registry (spec.md §9, "typed remote errors"). A node
// normally shares one registry across its lifetime so both sides of a
// handshake agree on codes.
type Registry struct {
	mu    sync.RWMutex
	ctors map[uint32]ErrorConstructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[uint32]ErrorConstructor)}
}

// Register associates code with a constructor. Re-registering a code
// overwrites the previous constructor.
func (r *Registry) Register(code uint32, ctor ErrorConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[code] = ctor
}

// Reconstruct builds the error for code, falling back to a generic
// HandledError when no constructor is registered for it.
func (r *Registry) Reconstruct(code uint32, peer identity.Identity, args []interface{}) error {
	r.mu.RLock()
	ctor, ok := r.ctors[code]
	r.mu.RUnlock()
	if !ok {
		return &HandledError{Peer: peer, Code: code, Args: args}
	}
	return ctor(peer, args)
}
