package dispatch

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pombredanne/junction/errs"
	"github.com/pombredanne/junction/hooks"
	"github.com/pombredanne/junction/identity"
	"github.com/pombredanne/junction/rpcclient"
	"github.com/pombredanne/junction/subscribe"
	"github.com/pombredanne/junction/wire"
	"github.com/stretchr/testify/require"
)

func establishedPipe(t *testing.T, d *Dispatcher) (remote *bufio.Reader, remoteConn net.Conn) {
	t.Helper()
	sideA, sideB := net.Pipe()

	conn, err := d.AcceptInbound(context.Background(), sideA)
	require.NoError(t, err)

	remote = bufio.NewReader(sideB)
	_, err = wire.ReadFrame(remote) // drain the dispatcher's own handshake
	require.NoError(t, err)

	okFrame, err := wire.Encode(wire.KindHandshake, wire.HandshakePayload{
		Version: wire.ProtocolVersion,
		Host:    "remote.example",
		Port:    4242,
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(sideB, okFrame))

	ready, failed := conn.WaitEstablished(time.Second)
	require.True(t, ready)
	require.False(t, failed)

	return remote, sideB
}

func TestAddLocalRegsReturnsAcceptedAndRejectsOverlap(t *testing.T) {
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{}, errs.NewRegistry())

	accepted := d.AddLocalRegs(PublishHandler(func(identity.Identity, uint64, []interface{}, map[string]interface{}) {}), []subscribe.Subscription{
		{Kind: subscribe.KindPublish, Service: 1, Method: "evt", Mask: 0, Value: 0},
	})
	require.Len(t, accepted, 1)

	rejected := d.AddLocalRegs(PublishHandler(func(identity.Identity, uint64, []interface{}, map[string]interface{}) {}), []subscribe.Subscription{
		{Kind: subscribe.KindPublish, Service: 1, Method: "evt", Mask: 0, Value: 0},
	})
	require.Empty(t, rejected)
}

func TestSendPublishDeliversLocallyAndReturnsFalseWithNoRoute(t *testing.T) {
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{}, errs.NewRegistry())

	calls := make(chan uint64, 1)
	d.AddLocalRegs(PublishHandler(func(peer identity.Identity, routingID uint64, args []interface{}, kwargs map[string]interface{}) {
		calls <- routingID
	}), []subscribe.Subscription{
		{Kind: subscribe.KindPublish, Service: 1, Method: "evt", Mask: 0xFF, Value: 0x01},
	})

	require.True(t, d.SendPublish(1, "evt", 0x01, []interface{}{"hi"}, nil))
	select {
	case rid := <-calls:
		require.Equal(t, uint64(0x01), rid)
	case <-time.After(time.Second):
		t.Fatal("local publish handler was never invoked")
	}

	require.False(t, d.SendPublish(1, "evt", 0x02, nil, nil), "routing id outside the predicate has no route")
}

func TestAddLocalRegsBroadcastsAnnounceToEstablishedPeers(t *testing.T) {
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{}, errs.NewRegistry())
	remote, _ := establishedPipe(t, d)

	d.AddLocalRegs(RPCHandler(func(identity.Identity, uint64, []interface{}, map[string]interface{}) (interface{}, error) {
		return nil, nil
	}), []subscribe.Subscription{
		{Kind: subscribe.KindRPCRequest, Service: 7, Method: "echo", Mask: 0, Value: 0},
	})

	frame, err := wire.ReadFrame(remote)
	require.NoError(t, err)
	require.Equal(t, wire.KindAnnounce, frame.Kind)

	var p wire.AnnouncePayload
	require.NoError(t, frame.Decode(&p))
	require.Len(t, p.Subscriptions, 1)
	require.Equal(t, wire.Service(7), p.Subscriptions[0].Service)
}

func TestHandleRPCRequestRespondsNoHandlerWhenNoneRegistered(t *testing.T) {
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{}, errs.NewRegistry())
	remote, sideB := establishedPipe(t, d)

	reqFrame, err := wire.Encode(wire.KindRPCRequest, wire.RPCRequestPayload{
		Counter: 1, Service: 5, Method: "missing", RoutingID: 0,
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(sideB, reqFrame))

	respFrame, err := wire.ReadFrame(remote)
	require.NoError(t, err)
	require.Equal(t, wire.KindRPCResponse, respFrame.Kind)

	var resp wire.RPCResponsePayload
	require.NoError(t, respFrame.Decode(&resp))
	require.Equal(t, uint64(1), resp.Counter)
	require.Equal(t, wire.RCNoHandler, resp.RC)
}

func TestHandleRPCRequestInvokesHandlerAndRespondsOK(t *testing.T) {
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{}, errs.NewRegistry())
	remote, sideB := establishedPipe(t, d)

	d.AddLocalRegs(RPCHandler(func(peer identity.Identity, routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return "pong", nil
	}), []subscribe.Subscription{
		{Kind: subscribe.KindRPCRequest, Service: 5, Method: "ping", Mask: 0, Value: 0},
	})
	// drain the ANNOUNCE broadcast triggered by AddLocalRegs above.
	_, err := wire.ReadFrame(remote)
	require.NoError(t, err)

	reqFrame, err := wire.Encode(wire.KindRPCRequest, wire.RPCRequestPayload{
		Counter: 9, Service: 5, Method: "ping", RoutingID: 0,
	})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(sideB, reqFrame))

	respFrame, err := wire.ReadFrame(remote)
	require.NoError(t, err)

	var resp wire.RPCResponsePayload
	require.NoError(t, respFrame.Decode(&resp))
	require.Equal(t, uint64(9), resp.Counter)
	require.Equal(t, wire.RCOk, resp.RC)
	require.Equal(t, "pong", resp.Result)
}

func TestLocalTargetInvokesLocalHandlerAndPostsResponse(t *testing.T) {
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{}, errs.NewRegistry())

	d.AddLocalRegs(RPCHandler(func(peer identity.Identity, routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		require.True(t, peer.IsLocal())
		return "local-pong", nil
	}), []subscribe.Subscription{
		{Kind: subscribe.KindRPCRequest, Service: 5, Method: "ping", Mask: 0, Value: 0},
	})

	target := d.LocalTarget()
	require.Equal(t, identity.Local, target.Identity())

	f, err := d.RPCClient().Request([]rpcclient.Target{target}, wire.Service(5), wire.Method("ping"), 0, nil, nil)
	require.NoError(t, err)

	result, err := f.Wait(time.Second)
	require.NoError(t, err)
	results, ok := result.([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"local-pong"}, results)
}

func TestPeerByIdentityFindsEstablishedPeer(t *testing.T) {
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{}, errs.NewRegistry())
	establishedPipe(t, d)

	c, ok := d.PeerByIdentity(identity.Identity{Host: "remote.example", Port: 4242})
	require.True(t, ok)
	require.Equal(t, identity.Identity{Host: "remote.example", Port: 4242}, c.Identity())

	_, ok = d.PeerByIdentity(identity.Identity{Host: "nobody", Port: 1})
	require.False(t, ok)
}

func TestConnectionLostRemovesPeerAndInvokesHook(t *testing.T) {
	lost := make(chan identity.Identity, 1)
	d := New(identity.Identity{Host: "node", Port: 9000}, hooks.Hooks{
		ConnectionLost: func(peer identity.Identity, subs []subscribe.Subscription) {
			lost <- peer
		},
	}, errs.NewRegistry())

	_, sideB := establishedPipe(t, d)
	require.Len(t, d.Peers(), 1)

	sideB.Close()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("connection_lost hook never fired")
	}
	require.Eventually(t, func() bool { return len(d.Peers()) == 0 }, time.Second, time.Millisecond)
}
