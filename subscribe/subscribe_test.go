package subscribe

import (
	"testing"

	"github.com/pombredanne/junction/identity"
	"github.com/stretchr/testify/require"
)

func TestAddLocalRegsRejectsOverlap(t *testing.T) {
	table := NewTable()

	first := table.AddLocalRegs("handler-a", []Subscription{
		{Kind: KindRPCRequest, Service: 1, Method: "m", Mask: 0xF0, Value: 0x10},
	})
	require.Len(t, first, 1)

	second := table.AddLocalRegs("handler-b", []Subscription{
		{Kind: KindRPCRequest, Service: 1, Method: "m", Mask: 0xF0, Value: 0x10},
	})
	require.Empty(t, second, "identical predicate must be rejected as overlapping")

	third := table.AddLocalRegs("handler-c", []Subscription{
		{Kind: KindRPCRequest, Service: 1, Method: "m", Mask: 0xFF, Value: 0x21},
	})
	require.Len(t, third, 1, "disjoint predicate under the same (kind,service,method) must be accepted")
}

func TestAddLocalRegsRejectsUnmatchablePredicate(t *testing.T) {
	table := NewTable()
	accepted := table.AddLocalRegs("handler", []Subscription{
		{Kind: KindPublish, Service: 1, Method: "m", Mask: 0x0F, Value: 0x10},
	})
	require.Empty(t, accepted)
}

func TestFindPeerRoutesIncludesLocalSentinel(t *testing.T) {
	table := NewTable()
	table.AddLocalRegs("echo", []Subscription{
		{Kind: KindRPCRequest, Service: 1, Method: "echo", Mask: 0, Value: 0},
	})

	routes := table.FindPeerRoutes(KindRPCRequest, 1, "echo", 42)
	require.Contains(t, routes, identity.Local)
}

func TestFindPeerRoutesIncludesMatchingRemotePeers(t *testing.T) {
	table := NewTable()
	peer := identity.Identity{Host: "10.0.0.1", Port: 9000}
	table.AddRemoteRegs(peer, []Subscription{
		{Kind: KindRPCRequest, Service: 9, Method: "x", Mask: 0xFF, Value: 0x01},
	})

	require.ElementsMatch(t, []identity.Identity{peer}, table.FindPeerRoutes(KindRPCRequest, 9, "x", 0x01))
	require.Empty(t, table.FindPeerRoutes(KindRPCRequest, 9, "x", 0x02))
}

func TestDropRemoteRegsRemovesExactSubscription(t *testing.T) {
	table := NewTable()
	peer := identity.Identity{Host: "10.0.0.1", Port: 9000}
	sub := Subscription{Kind: KindPublish, Service: 2, Method: "evt", Mask: 0, Value: 0}
	table.AddRemoteRegs(peer, []Subscription{sub})
	require.NotEmpty(t, table.FindPeerRoutes(KindPublish, 2, "evt", 5))

	table.DropRemoteRegs(peer, []Subscription{sub})
	require.Empty(t, table.FindPeerRoutes(KindPublish, 2, "evt", 5))
}

func TestDropAllForPeerReturnsWhatWasRemoved(t *testing.T) {
	table := NewTable()
	peer := identity.Identity{Host: "10.0.0.1", Port: 9000}
	subs := []Subscription{
		{Kind: KindPublish, Service: 1, Method: "a", Mask: 0, Value: 0},
		{Kind: KindRPCRequest, Service: 2, Method: "b", Mask: 0, Value: 0},
	}
	table.AddRemoteRegs(peer, subs)

	dropped := table.DropAllForPeer(peer)
	require.ElementsMatch(t, subs, dropped)
	require.Empty(t, table.FindPeerRoutes(KindPublish, 1, "a", 0))
	require.Empty(t, table.FindPeerRoutes(KindRPCRequest, 2, "b", 0))
	require.Nil(t, table.DropAllForPeer(peer), "second drop has nothing left to report")
}

func TestLocalHandlersReturnsAttachedHandler(t *testing.T) {
	table := NewTable()
	table.AddLocalRegs("the-handler", []Subscription{
		{Kind: KindRPCRequest, Service: 1, Method: "echo", Mask: 0, Value: 0},
	})

	regs := table.LocalHandlers(KindRPCRequest, 1, "echo", 7)
	require.Len(t, regs, 1)
	require.Equal(t, "the-handler", regs[0].Handler)
}
