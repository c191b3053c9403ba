package dispatch

import (
	"github.com/pombredanne/junction/subscribe"
	"github.com/pombredanne/junction/wire"
)

// toWireSubs strips the schedule flag (local-only, per spec.md §6) and
// maps subscribe.Kind onto its wire.Kind counterpart.
func toWireSubs(subs []subscribe.Subscription) []wire.Subscription {
	out := make([]wire.Subscription, len(subs))
	for i, s := range subs {
		out[i] = wire.Subscription{
			Kind:    subKindToWireKind(s.Kind),
			Service: wire.Service(s.Service),
			Method:  wire.Method(s.Method),
			Mask:    s.Mask,
			Value:   s.Value,
		}
	}
	return out
}

// fromWireSubs reconstructs in-process subscriptions from a wire
// announcement; Schedule is always false since it never crosses the
// wire and a remote registration is never locally invoked anyway.
func fromWireSubs(subs []wire.Subscription) []subscribe.Subscription {
	out := make([]subscribe.Subscription, len(subs))
	for i, s := range subs {
		out[i] = subscribe.Subscription{
			Kind:    wireKindToSubKind(s.Kind),
			Service: uint32(s.Service),
			Method:  string(s.Method),
			Mask:    s.Mask,
			Value:   s.Value,
		}
	}
	return out
}

func subKindToWireKind(k subscribe.Kind) wire.Kind {
	if k == subscribe.KindRPCRequest {
		return wire.KindRPCRequest
	}
	return wire.KindPublish
}

func wireKindToSubKind(k wire.Kind) subscribe.Kind {
	if k == wire.KindRPCRequest {
		return subscribe.KindRPCRequest
	}
	return subscribe.KindPublish
}
