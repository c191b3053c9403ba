package errs

import (
	"github.com/pombredanne/junction/identity"
	"github.com/pombredanne/junction/wire"
)

// Result is one per-peer outcome in an RPC future's results: either a
// decoded payload or one of this package's typed errors.
type Result = interface{}

// FormatResult turns a raw RPC_RESPONSE (rc, result) pair into a
// Result, per spec.md §4.3's return-code table.
func FormatResult(reg *Registry, peer identity.Identity, rc int, result interface{}) Result {
	switch rc {
	case wire.RCOk:
		return result
	case wire.RCNoHandler:
		return &NoRemoteHandler{Peer: peer}
	case wire.RCKnownErr:
		code, args := decodeKnownErr(result)
		return reg.Reconstruct(code, peer, args)
	case wire.RCUnknownErr:
		trace, _ := result.(string)
		return &RemoteException{Peer: peer, Trace: trace}
	case wire.RCLostConn:
		return &LostConnection{Peer: peer}
	default:
		return &UnrecognizedRemoteProblem{Peer: peer, RC: rc, Result: result}
	}
}

// decodeKnownErr accepts either a *wire.KnownErrResult (already typed,
// e.g. in same-process tests) or the map/slice shape msgpack produces
// when decoding into interface{}.
func decodeKnownErr(result interface{}) (uint32, []interface{}) {
	switch v := result.(type) {
	case wire.KnownErrResult:
		return v.Code, v.Args
	case *wire.KnownErrResult:
		return v.Code, v.Args
	case map[string]interface{}:
		code, _ := toUint32(v["Code"])
		args, _ := v["Args"].([]interface{})
		return code, args
	case map[interface{}]interface{}:
		code, _ := toUint32(v["Code"])
		args, _ := v["Args"].([]interface{})
		return code, args
	case []interface{}:
		if len(v) == 2 {
			code, _ := toUint32(v[0])
			args, _ := v[1].([]interface{})
			return code, args
		}
	}
	return 0, nil
}

func toUint32(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint64:
		return uint32(n), true
	case int64:
		return uint32(n), true
	case int:
		return uint32(n), true
	}
	return 0, false
}
