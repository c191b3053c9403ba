// Package rpcclient implements the RPC request/response bookkeeping
// described in spec.md §4: tracking which peers are still outstanding
// for a given request counter, translating RPC_RESPONSE frames into
// future.Result entries, and completing the future once every target
// has answered or dropped off.
//
// Grounded on original_source/junction/rpc.py's Client/RPC pair, with
// one deliberate correction: the source's Client.response only ever
// records the *last* peer's (rc, result) pair onto the RPC's results
// list, even for multi-target requests — every earlier response is
// silently discarded. spec.md's fan-in scenario requires one result
// per target, so this package accumulates a result for every response
// as it arrives (future.Future.DeliverResult) and only finalizes
// (future.Future.MarkComplete) once the outstanding target set is
// empty.
package rpcclient

import (
	"sync"
	"time"
	"weak"

	"github.com/pombredanne/junction/errs"
	"github.com/pombredanne/junction/future"
	"github.com/pombredanne/junction/identity"
	"github.com/pombredanne/junction/metrics"
	"github.com/pombredanne/junction/wire"
)

// Target is the subset of a peer connection the RPC client needs: its
// identity (for tracking which targets are still outstanding) and the
// ability to hand it an encoded frame to send. peerconn.Conn satisfies
// this.
type Target interface {
	Identity() identity.Identity
	SendFrame(wire.Frame) error
}

// Client tracks in-flight RPC requests by counter. It mirrors the
// source's weakref.WeakValueDictionary of outstanding RPCs with a map
// of weak.Pointer[future.Future]: once nothing outside this package
// holds a future, this map stops pinning it in memory, and a
// late-arriving response for it is silently dropped exactly as the
// source drops responses for counters it no longer recognizes.
type Client struct {
	mu       sync.Mutex
	counter  uint64
	inflight map[uint64]map[identity.Identity]bool
	started  map[uint64]time.Time
	futures  map[uint64]weak.Pointer[future.Future]
	registry *errs.Registry
}

// New returns a Client that reconstructs HandledError instances using reg.
func New(reg *errs.Registry) *Client {
	return &Client{
		inflight: make(map[uint64]map[identity.Identity]bool),
		started:  make(map[uint64]time.Time),
		futures:  make(map[uint64]weak.Pointer[future.Future]),
		registry: reg,
	}
}

// NextCounter implements future.Client.
func (c *Client) NextCounter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Track implements future.Client.
func (c *Client) Track(counter uint64, f *future.Future) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.futures[counter] = weak.Make(f)
}

func (c *Client) lookup(counter uint64) *future.Future {
	c.mu.Lock()
	wp, ok := c.futures[counter]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

// Request encodes and sends an RPC_REQUEST to every target, returning
// the future that will collect their responses. It returns
// errs.Unroutable if targets is empty, matching Node.send_rpc raising
// Unroutable when find_peer_routes comes back with nothing.
func (c *Client) Request(targets []Target, service wire.Service, method wire.Method, routingID uint64, args []interface{}, kwargs map[string]interface{}) (*future.Future, error) {
	if len(targets) == 0 {
		return nil, &errs.Unroutable{Service: uint32(service), Method: string(method)}
	}

	counter := c.NextCounter()
	targetSet := make(map[identity.Identity]bool, len(targets))
	for _, t := range targets {
		targetSet[t.Identity()] = true
	}

	c.mu.Lock()
	c.inflight[counter] = targetSet
	c.started[counter] = time.Now()
	c.mu.Unlock()
	metrics.InflightRPCs.Inc()

	f := future.NewRPC(c, counter, len(targetSet))
	c.Track(counter, f)

	frame, err := wire.Encode(wire.KindRPCRequest, wire.RPCRequestPayload{
		Counter:   counter,
		Service:   service,
		Method:    method,
		RoutingID: routingID,
		Args:      args,
		Kwargs:    kwargs,
	})
	if err != nil {
		return nil, err
	}

	for _, t := range targets {
		if sendErr := t.SendFrame(frame); sendErr != nil {
			c.Response(t.Identity(), wire.RPCResponsePayload{Counter: counter, RC: wire.RCLostConn})
		}
	}

	return f, nil
}

// Response records one peer's RPC_RESPONSE, completing the future once
// every target for that counter has answered or been retired.
func (c *Client) Response(peer identity.Identity, resp wire.RPCResponsePayload) {
	c.mu.Lock()
	targets, ok := c.inflight[resp.Counter]
	if !ok || !targets[peer] {
		c.mu.Unlock()
		return
	}
	delete(targets, peer)
	done := len(targets) == 0
	var startedAt time.Time
	if done {
		delete(c.inflight, resp.Counter)
		startedAt = c.started[resp.Counter]
		delete(c.started, resp.Counter)
	}
	c.mu.Unlock()

	f := c.lookup(resp.Counter)
	if f == nil {
		return
	}

	f.DeliverResult(errs.FormatResult(c.registry, peer, resp.RC, resp.Result))
	if done {
		f.MarkComplete()
		metrics.InflightRPCs.Dec()
		if !startedAt.IsZero() {
			metrics.RPCFanoutDuration.Observe(time.Since(startedAt).Seconds())
		}
	}
}

// RetirePeer synthesizes an RCLostConn response on behalf of peer for
// every RPC it was still outstanding on, called when its connection
// drops (spec.md §6's peerconn hooking into dispatch.ConnectionLost).
func (c *Client) RetirePeer(peer identity.Identity) {
	c.mu.Lock()
	affected := make([]uint64, 0)
	for counter, targets := range c.inflight {
		if targets[peer] {
			affected = append(affected, counter)
		}
	}
	c.mu.Unlock()

	for _, counter := range affected {
		c.Response(peer, wire.RPCResponsePayload{Counter: counter, RC: wire.RCLostConn})
	}
}

// Wait blocks until the first of rpcs completes or timeout elapses.
// timeout <= 0 blocks indefinitely.
func (c *Client) Wait(rpcs []*future.Future, timeout time.Duration) (*future.Future, error) {
	return future.WaitAny(rpcs, timeout)
}
