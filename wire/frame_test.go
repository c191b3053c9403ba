package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, kind Kind, in, out interface{}) {
	t.Helper()
	f, err := Encode(kind, in)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, kind, got.Kind)
	require.NoError(t, got.Decode(out))
}

func TestRoundTripHandshake(t *testing.T) {
	in := HandshakePayload{
		Version: ProtocolVersion,
		Host:    "127.0.0.1",
		Port:    9000,
		Subscriptions: []Subscription{
			{Kind: KindRPCRequest, Service: 1, Method: "echo", Mask: 0, Value: 0},
		},
	}
	var out HandshakePayload
	roundTrip(t, KindHandshake, in, &out)
	require.Equal(t, in, out)
}

func TestRoundTripPublish(t *testing.T) {
	in := PublishPayload{
		Service:   7,
		Method:    "notify",
		RoutingID: 42,
		Args:      []interface{}{"a", int64(1)},
		Kwargs:    map[string]interface{}{"x": int64(2)},
	}
	var out PublishPayload
	roundTrip(t, KindPublish, in, &out)
	require.Equal(t, in, out)
}

func TestRoundTripRPCRequestResponse(t *testing.T) {
	req := RPCRequestPayload{
		Counter:   5,
		Service:   1,
		Method:    "echo",
		RoutingID: 0,
		Args:      []interface{}{"two"},
		Kwargs:    map[string]interface{}{},
	}
	var gotReq RPCRequestPayload
	roundTrip(t, KindRPCRequest, req, &gotReq)
	require.Equal(t, req, gotReq)

	resp := RPCResponsePayload{Counter: 5, RC: RCOk, Result: "two"}
	var gotResp RPCResponsePayload
	roundTrip(t, KindRPCResponse, resp, &gotResp)
	require.Equal(t, resp, gotResp)
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}
