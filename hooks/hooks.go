// Package hooks implements the overridable Hub behaviors described in
// spec.md §6, grounded on original_source/junction/hooks.py: a default
// peer-selection policy and a default connection-lost no-op, each
// wrapped so a caller-supplied override that panics falls back to the
// default rather than taking the dispatcher down with it.
package hooks

import (
	"math/rand"

	"github.com/pombredanne/junction/identity"
	"github.com/pombredanne/junction/log"
	"github.com/pombredanne/junction/subscribe"
)

// SelectPeerFunc picks one of the eligible targets for a singular RPC.
// A nil identity.Identity in candidates (its zero value, identity.Local)
// means "this hub can handle it locally"; the default implementation
// prefers that over any remote peer.
type SelectPeerFunc func(candidates []identity.Identity, service uint32, routingID uint64, method string) identity.Identity

// ConnectionLostFunc is notified when a peer's connection drops
// unexpectedly, along with the subscriptions it had registered.
type ConnectionLostFunc func(peer identity.Identity, subs []subscribe.Subscription)

// DefaultSelectPeer prefers local handling (identity.Local present in
// candidates), otherwise picks uniformly at random.
func DefaultSelectPeer(candidates []identity.Identity, service uint32, routingID uint64, method string) identity.Identity {
	for _, c := range candidates {
		if c.IsLocal() {
			return c
		}
	}
	return candidates[rand.Intn(len(candidates))]
}

// DefaultConnectionLost does nothing; it exists so a Hub that hasn't
// overridden the hook still has one to call.
func DefaultConnectionLost(peer identity.Identity, subs []subscribe.Subscription) {}

// Hooks bundles the overridable callbacks a Hub/Node may supply. Zero
// value fields fall back to the package defaults.
type Hooks struct {
	SelectPeer     SelectPeerFunc
	ConnectionLost ConnectionLostFunc
}

// selectPeer returns h.SelectPeer wrapped with the source's _get
// pattern: if unset, use the default; if set, catch panics and log+
// fall back to the default rather than letting a user's bug take a
// dispatch decision down with it.
func (h Hooks) selectPeer() SelectPeerFunc {
	if h.SelectPeer == nil {
		return DefaultSelectPeer
	}
	user := h.SelectPeer
	return func(candidates []identity.Identity, service uint32, routingID uint64, method string) (result identity.Identity) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in select_peer hook, falling back to default", "panic", r)
				result = DefaultSelectPeer(candidates, service, routingID, method)
			}
		}()
		return user(candidates, service, routingID, method)
	}
}

func (h Hooks) connectionLost() ConnectionLostFunc {
	if h.ConnectionLost == nil {
		return DefaultConnectionLost
	}
	user := h.ConnectionLost
	return func(peer identity.Identity, subs []subscribe.Subscription) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in connection_lost hook", "panic", r)
			}
		}()
		user(peer, subs)
	}
}

// SelectPeerFor invokes the effective select-peer hook.
func (h Hooks) SelectPeerFor(candidates []identity.Identity, service uint32, routingID uint64, method string) identity.Identity {
	return h.selectPeer()(candidates, service, routingID, method)
}

// NotifyConnectionLost invokes the effective connection-lost hook.
func (h Hooks) NotifyConnectionLost(peer identity.Identity, subs []subscribe.Subscription) {
	h.connectionLost()(peer, subs)
}
