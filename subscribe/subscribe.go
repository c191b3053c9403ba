// Package subscribe implements the registration table described in
// spec.md §3/§5: local and remote subscriptions keyed by
// (message kind, service, method), matched against an incoming routing
// id by the mask/value predicate, with the overlap and unmatchability
// checks spec.md §5 requires of add_local_regs.
//
// original_source has no standalone registration-table module — the
// source folds this bookkeeping into its dispatch/connection code — so
// this package is grounded on spec.md §3 and §5 directly, factored out
// as its own package the way the teacher separates concerns into small
// single-purpose packages.
package subscribe

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/pombredanne/junction/identity"
)

// Kind distinguishes a publish subscription from an RPC subscription.
type Kind int

const (
	KindPublish Kind = iota
	KindRPCRequest
)

// Subscription is the (kind, service, method, mask, value, schedule)
// predicate of spec.md §3. Schedule is local-only: it has no remote
// wire representation (spec.md §4.5's wire table carries only the
// first five fields for a remote announcement).
type Subscription struct {
	Kind     Kind
	Service  uint32
	Method   string
	Mask     uint64
	Value    uint64
	Schedule bool
}

// Matches reports whether routingID satisfies the predicate.
func (s Subscription) Matches(routingID uint64) bool {
	return routingID&s.Mask == s.Value
}

// unmatchable reports whether no routing id could ever satisfy s: a bit
// set in Value outside of Mask can never be produced by routingID&Mask.
func (s Subscription) unmatchable() bool {
	return s.Value&^s.Mask != 0
}

// overlaps reports whether some routing id would satisfy both a and b:
// on the bits both masks care about, their values must disagree for the
// predicates to be disjoint.
func overlaps(a, b Subscription) bool {
	return (a.Mask&b.Mask)&(a.Value^b.Value) == 0
}

type key struct {
	kind    Kind
	service uint32
	method  string
}

// Registration pairs a local subscription with the handler it should
// trigger. Handler is left opaque here (subscribe only stores and
// matches; dispatch owns invocation) so this package never needs to
// know a publish handler's signature differs from an RPC handler's.
type Registration struct {
	Sub     Subscription
	Handler interface{}
}

// Table is the node-wide subscription registry: local registrations
// (ours, with handlers attached) and remote ones (every peer's
// advertised subscriptions, as received via ANNOUNCE/HANDSHAKE frames).
type Table struct {
	local  map[key][]Registration
	remote map[key]map[identity.Identity][]Subscription
	byPeer map[identity.Identity][]Subscription
}

// NewTable returns an empty registration table.
func NewTable() *Table {
	return &Table{
		local:  make(map[key][]Registration),
		remote: make(map[key]map[identity.Identity][]Subscription),
		byPeer: make(map[identity.Identity][]Subscription),
	}
}

// AddLocalRegs stores handler under each subscription in subs that is
// both matchable and non-overlapping with any subscription already
// registered for the same (kind, service, method). It returns exactly
// the subset actually stored.
func (t *Table) AddLocalRegs(handler interface{}, subs []Subscription) []Subscription {
	accepted := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		if s.unmatchable() {
			continue
		}
		k := key{s.Kind, s.Service, s.Method}
		conflict := false
		for _, existing := range t.local[k] {
			if overlaps(existing.Sub, s) {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		t.local[k] = append(t.local[k], Registration{Sub: s, Handler: handler})
		accepted = append(accepted, s)
	}
	return accepted
}

// AddRemoteRegs records peer's advertised subscriptions. Unlike
// AddLocalRegs, there is no overlap check: remote peers may advertise
// conflicting predicates, and resolution is left to peer selection
// (spec.md §5).
func (t *Table) AddRemoteRegs(peer identity.Identity, subs []Subscription) {
	for _, s := range subs {
		k := key{s.Kind, s.Service, s.Method}
		if t.remote[k] == nil {
			t.remote[k] = make(map[identity.Identity][]Subscription)
		}
		t.remote[k][peer] = append(t.remote[k][peer], s)
		t.byPeer[peer] = append(t.byPeer[peer], s)
	}
}

// DropRemoteRegs removes the given subscriptions previously recorded
// for peer, e.g. on receipt of an UNANNOUNCE frame.
func (t *Table) DropRemoteRegs(peer identity.Identity, subs []Subscription) {
	drop := make(map[Subscription]bool, len(subs))
	for _, s := range subs {
		drop[s] = true
	}
	for _, s := range subs {
		k := key{s.Kind, s.Service, s.Method}
		peerSubs := t.remote[k][peer]
		filtered := peerSubs[:0]
		for _, existing := range peerSubs {
			if !drop[existing] {
				filtered = append(filtered, existing)
			}
		}
		if len(filtered) == 0 {
			delete(t.remote[k], peer)
		} else {
			t.remote[k][peer] = filtered
		}
	}
	remaining := t.byPeer[peer][:0]
	for _, existing := range t.byPeer[peer] {
		if !drop[existing] {
			remaining = append(remaining, existing)
		}
	}
	t.byPeer[peer] = remaining
}

// DropAllForPeer removes every subscription peer had registered (its
// connection dropped) and returns what was removed, for the
// ConnectionLost hook (spec.md §6).
func (t *Table) DropAllForPeer(peer identity.Identity) []Subscription {
	subs := t.byPeer[peer]
	if len(subs) == 0 {
		return nil
	}
	delete(t.byPeer, peer)
	for _, s := range subs {
		k := key{s.Kind, s.Service, s.Method}
		if m := t.remote[k]; m != nil {
			delete(m, peer)
		}
	}
	return subs
}

// FindPeerRoutes returns every peer (identity.Local included, if a
// local subscription matches) whose predicate admits routingID. Order
// is unspecified.
func (t *Table) FindPeerRoutes(kind Kind, service uint32, method string, routingID uint64) []identity.Identity {
	k := key{kind, service, method}
	set := mapset.NewThreadUnsafeSet[identity.Identity]()

	for _, reg := range t.local[k] {
		if reg.Sub.Matches(routingID) {
			set.Add(identity.Local)
			break
		}
	}
	for peer, subs := range t.remote[k] {
		for _, s := range subs {
			if s.Matches(routingID) {
				set.Add(peer)
				break
			}
		}
	}
	return set.ToSlice()
}

// AllLocalSubs returns every currently registered local subscription,
// for advertising during a new peer's handshake and for re-announcing
// to peers that connect after local registrations already exist.
func (t *Table) AllLocalSubs() []Subscription {
	var out []Subscription
	for _, regs := range t.local {
		for _, r := range regs {
			out = append(out, r.Sub)
		}
	}
	return out
}

// LocalHandlers returns every local registration for (kind, service,
// method) whose predicate admits routingID. The non-overlap invariant
// on local registrations means at most one normally matches.
func (t *Table) LocalHandlers(kind Kind, service uint32, method string, routingID uint64) []Registration {
	k := key{kind, service, method}
	var out []Registration
	for _, reg := range t.local[k] {
		if reg.Sub.Matches(routingID) {
			out = append(out, reg)
		}
	}
	return out
}
