// Package errs implements the typed error taxonomy of spec.md §7. Every
// type here is either raised from a blocking call or appears as an
// entry in an RPC future's results.
package errs

import (
	"fmt"

	"github.com/pombredanne/junction/identity"
)

// Unroutable is raised when no peer matched a request's predicate at
// dispatch time.
type Unroutable struct {
	Service uint32
	Method  string
}

func (e *Unroutable) Error() string {
	return fmt.Sprintf("junction: no route for service=%d method=%q", e.Service, e.Method)
}

// WaitTimeout is raised when a blocking wait exceeds its deadline. The
// underlying RPC is unaffected and continues toward completion.
type WaitTimeout struct{}

func (e *WaitTimeout) Error() string { return "junction: wait timed out" }

// AlreadyComplete is raised by Abort on a future that has already
// settled.
type AlreadyComplete struct{}

func (e *AlreadyComplete) Error() string { return "junction: future already complete" }

// NoRemoteHandler appears in an RPC's results when the target peer had
// no matching subscription at receive time.
type NoRemoteHandler struct {
	Peer identity.Identity
}

func (e *NoRemoteHandler) Error() string {
	return fmt.Sprintf("junction: %s had no handler for the request", e.Peer)
}

// HandledError is a remote handler's registered typed error,
// reconstructed locally by code.
type HandledError struct {
	Peer identity.Identity
	Code uint32
	Args []interface{}
}

func (e *HandledError) Error() string {
	return fmt.Sprintf("junction: handled error %d from %s: %v", e.Code, e.Peer, e.Args)
}

// RemoteException wraps an uncaught exception/panic on the remote peer.
type RemoteException struct {
	Peer  identity.Identity
	Trace string
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("junction: unhandled remote exception from %s: %s", e.Peer, e.Trace)
}

// LostConnection appears in an RPC's results when the target peer's
// link dropped before it responded.
type LostConnection struct {
	Peer identity.Identity
}

func (e *LostConnection) Error() string {
	return fmt.Sprintf("junction: lost connection to %s before response", e.Peer)
}

// UnrecognizedRemoteProblem appears when a response carries an rc value
// outside the known set.
type UnrecognizedRemoteProblem struct {
	Peer   identity.Identity
	RC     int
	Result interface{}
}

func (e *UnrecognizedRemoteProblem) Error() string {
	return fmt.Sprintf("junction: unrecognized rc=%d from %s (result=%v)", e.RC, e.Peer, e.Result)
}

// CodedError is the interface a local RPC handler returns to signal a
// registered remote error rather than an opaque failure. The responder
// encodes it on the wire as RC_KNOWN_ERR carrying (Code, Args); the
// requester's Registry reconstructs the concrete type via Reconstruct,
// mirroring original_source/junction/rpc.py's HANDLED_ERROR_TYPES
// lookup-by-code.
type CodedError interface {
	error
	Code() uint32
	Args() []interface{}
}

// DependentCallbackException is the result installed on a Dependent
// whose callback panicked or returned an error.
type DependentCallbackException struct {
	Trace string
}

func (e *DependentCallbackException) Error() string {
	return fmt.Sprintf("junction: dependent callback failed: %s", e.Trace)
}
