// Package peerconn implements the per-peer connection state machine of
// spec.md §4.2: handshake, a reader goroutine that decodes and
// dispatches frames by kind, a writer goroutine draining a bounded send
// queue, and the loss-detection transitions into CLOSING/CLOSED/FAILED.
//
// original_source has no standalone connection module either (the
// source's connection.py lives outside the retrieved files), so this
// is grounded directly on spec.md §4.2/§5/§6 and on how the teacher's
// go-ethereum shapes its own peer/rlpx connection lifecycle (named
// states, one goroutine per direction, a one-shot "ready" signal).
package peerconn

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pombredanne/junction/identity"
	"github.com/pombredanne/junction/log"
	"github.com/pombredanne/junction/wire"
)

// State is a point in the peer connection lifecycle of spec.md §4.2.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateHandshakeSent
	StateEstablished
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// sendQueueDepth bounds the per-peer outbound frame channel (spec.md
// §5: "the send queue is the only producer/consumer boundary between
// user tasks and peer I/O").
const sendQueueDepth = 256

// Handler receives decoded frames and lifecycle events off a Conn's
// reader goroutine. dispatch.Dispatcher implements this; peerconn
// itself holds no routing, subscription, or RPC state, so it never
// needs to import those packages.
type Handler interface {
	HandleHandshake(c *Conn, hs wire.HandshakePayload)
	HandleAnnounce(c *Conn, subs []wire.Subscription)
	HandleUnannounce(c *Conn, subs []wire.Subscription)
	HandlePublish(c *Conn, p wire.PublishPayload)
	HandleRPCRequest(c *Conn, p wire.RPCRequestPayload)
	HandleRPCResponse(c *Conn, p wire.RPCResponsePayload)
	ConnectionEstablished(c *Conn)
	ConnectionLost(c *Conn)
}

// Conn is one bidirectional link to a peer.
type Conn struct {
	mu    sync.Mutex
	state State

	local    identity.Identity
	remote   identity.Identity
	dialAddr string

	netConn   net.Conn
	sendQueue chan wire.Frame

	established     chan struct{}
	establishedOnce sync.Once

	closed     chan struct{}
	closedOnce sync.Once

	wasEstablishedAtClose bool
	closeQueueOnce        sync.Once

	handler   Handler
	localSubs func() []wire.Subscription
	logger    *log.Logger
}

// Dial constructs an outbound peer connection. Call Start to begin
// connecting; the zero value is StateInit, matching the INIT state
// before start() in spec.md §4.2.
func Dial(local identity.Identity, addr string, handler Handler, localSubs func() []wire.Subscription) *Conn {
	return &Conn{
		state:       StateInit,
		local:       local,
		dialAddr:    addr,
		sendQueue:   make(chan wire.Frame, sendQueueDepth),
		established: make(chan struct{}),
		closed:      make(chan struct{}),
		handler:     handler,
		localSubs:   localSubs,
		logger:      log.Default().With("peer", addr, "dir", "out"),
	}
}

// Accept wraps an already-accepted inbound socket. Per spec.md §4.2,
// inbound peers begin directly in HANDSHAKE_SENT: Accept starts the
// reader and sends the local HANDSHAKE in the background, then starts
// the writer. It returns without waiting for the handshake write, so a
// peer that only reads after Accept returns cannot stall it.
func Accept(local identity.Identity, netConn net.Conn, handler Handler, localSubs func() []wire.Subscription) *Conn {
	c := &Conn{
		state:       StateHandshakeSent,
		local:       local,
		netConn:     netConn,
		sendQueue:   make(chan wire.Frame, sendQueueDepth),
		established: make(chan struct{}),
		closed:      make(chan struct{}),
		handler:     handler,
		localSubs:   localSubs,
		logger:      log.Default().With("peer", netConn.RemoteAddr().String(), "dir", "in"),
	}
	go c.readLoop()
	go func() {
		if err := c.sendHandshake(); err != nil {
			c.fail("sending handshake: " + err.Error())
			return
		}
		c.writeLoop()
	}()
	return c
}

// Identity returns the (host, port) the peer identified itself with
// during handshake. Zero value until ESTABLISHED.
func (c *Conn) Identity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start begins an outbound connection: INIT -> CONNECTING -> dial ->
// HANDSHAKE_SENT -> reader/writer goroutines.
func (c *Conn) Start() {
	c.setState(StateConnecting)
	go func() {
		conn, err := net.DialTimeout("tcp", c.dialAddr, 10*time.Second)
		if err != nil {
			c.fail("dial: " + err.Error())
			return
		}
		c.mu.Lock()
		c.netConn = conn
		c.mu.Unlock()

		if err := c.sendHandshake(); err != nil {
			c.fail("sending handshake: " + err.Error())
			return
		}
		c.setState(StateHandshakeSent)

		go c.writeLoop()
		c.readLoop()
	}()
}

func (c *Conn) sendHandshake() error {
	var subs []wire.Subscription
	if c.localSubs != nil {
		subs = c.localSubs()
	}
	frame, err := wire.Encode(wire.KindHandshake, wire.HandshakePayload{
		Version:       wire.ProtocolVersion,
		Host:          c.local.Host,
		Port:          c.local.Port,
		Subscriptions: subs,
	})
	if err != nil {
		return err
	}
	return wire.WriteFrame(c.netConn, frame)
}

// Done returns a channel closed once the connection reaches CLOSED or
// FAILED, for callers (node.Shutdown) that need to wait for teardown to
// actually finish rather than just requesting it.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// WaitEstablished blocks until the handshake completes (successfully or
// not) or timeout elapses. timeout <= 0 blocks indefinitely. ready is
// false only on timeout; failed reports whether the connection ended up
// in StateFailed.
func (c *Conn) WaitEstablished(timeout time.Duration) (ready bool, failed bool) {
	if timeout <= 0 {
		<-c.established
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-c.established:
		case <-timer.C:
			return false, false
		}
	}
	c.mu.Lock()
	failed = c.state == StateFailed
	c.mu.Unlock()
	return true, failed
}

// SendFrame enqueues f for delivery. It fails if the connection isn't
// ESTABLISHED or the send queue is full; callers decide what that means
// for their message kind (dispatch silently drops a failed PUBLISH;
// rpcclient.Request records a failed RPC_REQUEST as a LostConnection
// result for that target rather than raising Unroutable).
func (c *Conn) SendFrame(f wire.Frame) error {
	if c.State() != StateEstablished {
		return fmt.Errorf("peerconn: %s not established", c.Identity())
	}
	select {
	case c.sendQueue <- f:
		return nil
	default:
		return fmt.Errorf("peerconn: send queue full for %s", c.Identity())
	}
}

func (c *Conn) writeLoop() {
	w := c.netConn
	for frame := range c.sendQueue {
		if err := wire.WriteFrame(w, frame); err != nil {
			c.logger.Warn("write failed, closing connection", "err", err)
			c.teardown()
			return
		}
	}
	// sendQueue was closed by Close(): every buffered frame above has
	// been drained best-effort, so the transition to CLOSED can finish.
	c.finishClosed()
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.netConn)
	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			c.logger.Debug("read loop ending", "err", err)
			c.teardown()
			return
		}
		c.dispatchFrame(frame)
	}
}

func (c *Conn) dispatchFrame(frame wire.Frame) {
	switch frame.Kind {
	case wire.KindHandshake:
		var hs wire.HandshakePayload
		if err := frame.Decode(&hs); err != nil {
			c.fail("decoding handshake: " + err.Error())
			return
		}
		if hs.Version != wire.ProtocolVersion {
			c.fail(fmt.Sprintf("protocol version mismatch: got %d want %d", hs.Version, wire.ProtocolVersion))
			return
		}
		c.mu.Lock()
		c.remote = identity.Identity{Host: hs.Host, Port: hs.Port}
		c.state = StateEstablished
		c.mu.Unlock()
		c.establishedOnce.Do(func() { close(c.established) })
		if c.handler != nil {
			c.handler.HandleHandshake(c, hs)
			c.handler.ConnectionEstablished(c)
		}

	case wire.KindAnnounce:
		var p wire.AnnouncePayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("dropping malformed announce", "err", err)
			return
		}
		if c.handler != nil {
			c.handler.HandleAnnounce(c, p.Subscriptions)
		}

	case wire.KindUnannounce:
		var p wire.UnannouncePayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("dropping malformed unannounce", "err", err)
			return
		}
		if c.handler != nil {
			c.handler.HandleUnannounce(c, p.Subscriptions)
		}

	case wire.KindPublish:
		var p wire.PublishPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("dropping malformed publish", "err", err)
			return
		}
		if c.handler != nil {
			c.handler.HandlePublish(c, p)
		}

	case wire.KindRPCRequest:
		var p wire.RPCRequestPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("dropping malformed rpc request", "err", err)
			return
		}
		if c.handler != nil {
			c.handler.HandleRPCRequest(c, p)
		}

	case wire.KindRPCResponse:
		var p wire.RPCResponsePayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("dropping malformed rpc response", "err", err)
			return
		}
		if c.handler != nil {
			c.handler.HandleRPCResponse(c, p)
		}

	default:
		c.logger.Warn("dropping frame of unknown kind", "kind", int(frame.Kind))
	}
}

// fail transitions the connection to FAILED from any state, per
// spec.md §4.2 ("Any state → FAILED on unrecoverable error").
func (c *Conn) fail(reason string) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	wasEstablished := c.state == StateEstablished
	c.state = StateFailed
	c.mu.Unlock()

	c.logger.Warn("connection failed", "reason", reason)
	c.closeSendQueue()
	c.establishedOnce.Do(func() { close(c.established) })
	if c.netConn != nil {
		c.netConn.Close()
	}
	c.closedOnce.Do(func() { close(c.closed) })
	if wasEstablished && c.handler != nil {
		c.handler.ConnectionLost(c)
	}
}

// enterClosing moves INIT/CONNECTING/HANDSHAKE_SENT/ESTABLISHED to
// CLOSING exactly once, recording whether the connection had reached
// ESTABLISHED so the eventual finishClosed call knows whether
// ConnectionLost is owed. already is true if some other caller got
// there first (or the connection is already CLOSED/FAILED), in which
// case the caller must not repeat teardown's side effects.
func (c *Conn) enterClosing() (already bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateFailed || c.state == StateClosing {
		return true
	}
	c.wasEstablishedAtClose = c.state == StateEstablished
	c.state = StateClosing
	return false
}

func (c *Conn) closeSendQueue() {
	c.closeQueueOnce.Do(func() { close(c.sendQueue) })
}

// finishClosed completes the transition to CLOSED: closes the socket,
// releases anyone blocked in WaitEstablished, and invokes ConnectionLost
// if the connection had reached ESTABLISHED. Idempotent, since both the
// error path (teardown) and the orderly path (writeLoop draining after
// Close) can reach it.
func (c *Conn) finishClosed() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	wasEstablished := c.wasEstablishedAtClose
	c.mu.Unlock()

	if c.netConn != nil {
		c.netConn.Close()
	}
	c.establishedOnce.Do(func() { close(c.established) })
	c.closedOnce.Do(func() { close(c.closed) })
	if wasEstablished && c.handler != nil {
		c.handler.ConnectionLost(c)
	}
}

// teardown is the path triggered by an I/O error or EOF in either
// goroutine: there is nothing left worth draining, so it closes the
// socket immediately.
func (c *Conn) teardown() {
	if c.enterClosing() {
		return
	}
	c.closeSendQueue()
	c.finishClosed()
}

// Close initiates an orderly shutdown. It closes the send queue so
// writeLoop drains whatever is already buffered before the socket is
// closed and ConnectionLost (if owed) fires.
func (c *Conn) Close() {
	if c.enterClosing() {
		return
	}
	c.closeSendQueue()
}
