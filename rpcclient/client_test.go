package rpcclient

import (
	"testing"
	"time"

	"github.com/pombredanne/junction/errs"
	"github.com/pombredanne/junction/future"
	"github.com/pombredanne/junction/identity"
	"github.com/pombredanne/junction/wire"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	id   identity.Identity
	sent []wire.Frame
	fail bool
}

func (t *fakeTarget) Identity() identity.Identity { return t.id }

func (t *fakeTarget) SendFrame(f wire.Frame) error {
	if t.fail {
		return errFakeSendFailed
	}
	t.sent = append(t.sent, f)
	return nil
}

var errFakeSendFailed = fakeErr("send failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestRequestFansOutAndCompletesOnLastResponse(t *testing.T) {
	c := New(errs.NewRegistry())
	a := &fakeTarget{id: identity.Identity{Host: "a", Port: 1}}
	b := &fakeTarget{id: identity.Identity{Host: "b", Port: 2}}

	f, err := c.Request([]Target{a, b}, 1, "echo", 0, []interface{}{"hi"}, nil)
	require.NoError(t, err)
	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	require.False(t, f.Complete())

	c.Response(a.id, wire.RPCResponsePayload{Counter: f.Counter(), RC: wire.RCOk, Result: "from-a"})
	require.False(t, f.Complete())

	c.Response(b.id, wire.RPCResponsePayload{Counter: f.Counter(), RC: wire.RCOk, Result: "from-b"})
	require.True(t, f.Complete())

	results, err := f.Results()
	require.NoError(t, err)
	require.ElementsMatch(t, []interface{}{"from-a", "from-b"}, results)
}

func TestRequestWithNoTargetsIsUnroutable(t *testing.T) {
	c := New(errs.NewRegistry())
	_, err := c.Request(nil, 1, "echo", 0, nil, nil)
	require.Error(t, err)
	var unroutable *errs.Unroutable
	require.ErrorAs(t, err, &unroutable)
}

func TestSendFailureSynthesizesLostConnection(t *testing.T) {
	c := New(errs.NewRegistry())
	bad := &fakeTarget{id: identity.Identity{Host: "bad", Port: 1}, fail: true}

	f, err := c.Request([]Target{bad}, 1, "echo", 0, nil, nil)
	require.NoError(t, err)
	require.True(t, f.Complete())

	results, err := f.Results()
	require.NoError(t, err)
	list := results.([]interface{})
	require.Len(t, list, 1)
	var lost *errs.LostConnection
	require.ErrorAs(t, list[0].(error), &lost)
}

func TestRetirePeerCompletesOutstandingRPCsForThatPeer(t *testing.T) {
	c := New(errs.NewRegistry())
	a := &fakeTarget{id: identity.Identity{Host: "a", Port: 1}}
	b := &fakeTarget{id: identity.Identity{Host: "b", Port: 2}}

	f, err := c.Request([]Target{a, b}, 1, "echo", 0, nil, nil)
	require.NoError(t, err)

	c.RetirePeer(a.id)
	require.False(t, f.Complete())

	c.RetirePeer(b.id)
	require.True(t, f.Complete())

	results, err := f.Results()
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestWaitDelegatesToFutureWaitAny(t *testing.T) {
	c := New(errs.NewRegistry())
	a := &fakeTarget{id: identity.Identity{Host: "a", Port: 1}}

	f, err := c.Request([]Target{a}, 1, "echo", 0, nil, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Response(a.id, wire.RPCResponsePayload{Counter: f.Counter(), RC: wire.RCOk, Result: "ok"})
	}()

	winner, err := c.Wait([]*future.Future{f}, time.Second)
	require.NoError(t, err)
	require.Same(t, f, winner)
}
