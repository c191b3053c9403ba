package wire

// Service names the top-level routing key of an RPC or publish message.
// Method names the second level. Both are plain comparable, msgpack-safe
// types rather than "anything hashable": every worked example in
// spec.md §8 and original_source/examples/echo/client.py uses a small
// integer service and a string method, which this module takes as the
// concrete shape (see DESIGN.md, "Open Question decisions").
type Service uint32
type Method string

// Subscription is the wire shape of a subscription predicate: the
// schedule flag from the in-process Subscription is local-only and
// never crosses the wire (spec.md §6).
type Subscription struct {
	Kind    Kind // KindPublish or KindRPCRequest
	Service Service
	Method  Method
	Mask    uint64
	Value   uint64
}

// HandshakePayload is the HANDSHAKE frame body: (version, identity, subs).
type HandshakePayload struct {
	Version       uint32
	Host          string
	Port          int
	Subscriptions []Subscription
}

// AnnouncePayload / UnannouncePayload carry subscription deltas.
type AnnouncePayload struct {
	Subscriptions []Subscription
}

type UnannouncePayload struct {
	Subscriptions []Subscription
}

// PublishPayload is the PUBLISH frame body.
type PublishPayload struct {
	Service   Service
	Method    Method
	RoutingID uint64
	Args      []interface{}
	Kwargs    map[string]interface{}
}

// RPCRequestPayload is the RPC_REQUEST frame body.
type RPCRequestPayload struct {
	Counter   uint64
	Service   Service
	Method    Method
	RoutingID uint64
	Args      []interface{}
	Kwargs    map[string]interface{}
}

// RPCResponsePayload is the RPC_RESPONSE frame body.
type RPCResponsePayload struct {
	Counter uint64
	RC      int
	Result  interface{}
}

// KnownErrResult is the Result shape used when RC == RCKnownErr: a
// registered error code plus its reconstruction arguments.
type KnownErrResult struct {
	Code uint32
	Args []interface{}
}

const ProtocolVersion uint32 = 1
