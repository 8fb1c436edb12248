package kv

import (
	"github.com/relaymesh/plane/pkg/types"
)

// relay is the per-key subscription-forwarding state held by every node
// on the path between a subscriber and the node responsible for a key
// (the one Router.Closest resolves to Local for). It mirrors the
// pub/sub relay tree (4.6) applied to per-key interest instead of a
// named channel: forwarding nodes only track the tree, the responsible
// node additionally owns the authoritative record set.
type relay struct {
	// upstream is nil when this node is itself responsible for the key.
	upstream *types.ConnId
	// downstreams maps each subscribing link to the sub_session it last
	// presented. SubOk carries only the relay_session, not this value.
	downstreams map[types.ConnId]uint32
	// relaySession is issued by whichever node currently claims
	// responsibility; it changes whenever a new node claims the key
	// after a topology shift, invalidating stale OnSet/OnDel at leaves.
	relaySession uint32
}

// Subscriptions tracks, for every key this node participates in the
// relay tree of (either as forwarder or as the responsible node), the
// relay state described above; and, for keys this node itself
// subscribes to as an application-facing consumer, the relay_session
// it must use to validate incoming OnSet/OnDel.
type Subscriptions struct {
	relays map[types.Key]*relay

	// leafSession holds, for keys this node's own application layer has
	// subscribed to, the relay_session last confirmed by SubOk. Frames
	// whose relay_session differs are stale and discarded (session
	// locking, 4.5).
	leafSession map[types.Key]uint32

	nextRelaySession uint32
}

// NewSubscriptions constructs empty subscription-tracking state.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		relays:      make(map[types.Key]*relay),
		leafSession: make(map[types.Key]uint32),
	}
}

// OnSubReceived processes an inbound Sub(key, sub_session) arriving on
// from. isResponsible must be the caller's up-to-date
// Router.Closest(key) judgement. It returns whether the caller must
// forward Sub upstream (only the first subscriber of a relay this node
// is not responsible for triggers it, matching the pub/sub "only if it
// did not already have an upstream" rule), the relay's current
// relay_session, and freshClaim, true when this call created the relay
// as the responsible node and issued a new relay_session.
func (s *Subscriptions) OnSubReceived(key types.Key, from types.ConnId, subSession uint32, isResponsible bool) (forwardUpstream bool, relaySession uint32, freshClaim bool) {
	r, ok := s.relays[key]
	if !ok {
		r = &relay{downstreams: make(map[types.ConnId]uint32)}
		s.relays[key] = r
		if isResponsible {
			s.nextRelaySession++
			r.relaySession = s.nextRelaySession
			freshClaim = true
		} else {
			forwardUpstream = true
		}
	}
	r.downstreams[from] = subSession
	return forwardUpstream, r.relaySession, freshClaim
}

// OnUnsubReceived removes from as a downstream of key. It returns true
// when that was the last downstream, in which case the relay is torn
// down and, if this node is not itself responsible, an Unsub must be
// forwarded upstream.
func (s *Subscriptions) OnUnsubReceived(key types.Key, from types.ConnId) (last bool, forwardUpstream bool) {
	r, ok := s.relays[key]
	if !ok {
		return false, false
	}
	delete(r.downstreams, from)
	if len(r.downstreams) > 0 {
		return false, false
	}
	forwardUpstream = r.upstream != nil
	delete(s.relays, key)
	return true, forwardUpstream
}

// Downstreams returns every subscribing link for key other than
// exclude, for fan-out of OnSet/OnDel.
func (s *Subscriptions) Downstreams(key types.Key, exclude types.ConnId) []types.ConnId {
	r, ok := s.relays[key]
	if !ok {
		return nil
	}
	out := make([]types.ConnId, 0, len(r.downstreams))
	for conn := range r.downstreams {
		if conn != exclude {
			out = append(out, conn)
		}
	}
	return out
}

// Upstream returns the link this node currently forwards key's relay
// through, when it is not itself responsible for the key.
func (s *Subscriptions) Upstream(key types.Key) (types.ConnId, bool) {
	r, ok := s.relays[key]
	if !ok || r.upstream == nil {
		return types.ConnId{}, false
	}
	return *r.upstream, true
}

// SetUpstream records the link this node forwarded Sub through, when
// it is not itself responsible for key.
func (s *Subscriptions) SetUpstream(key types.Key, via types.ConnId) {
	r, ok := s.relays[key]
	if !ok {
		r = &relay{downstreams: make(map[types.ConnId]uint32)}
		s.relays[key] = r
	}
	r.upstream = &via
}

// WithdrawVia tears down every relay whose upstream is via (the
// upstream link died, 4.6's failure rule applied to KV subscriptions:
// downstreams must be told to re-subscribe through their own router).
// It returns, for every torn-down key, the downstream set that must be
// notified.
func (s *Subscriptions) WithdrawVia(via types.ConnId) map[types.Key][]types.ConnId {
	torn := make(map[types.Key][]types.ConnId)
	for key, r := range s.relays {
		if r.upstream == nil || *r.upstream != via {
			continue
		}
		downs := make([]types.ConnId, 0, len(r.downstreams))
		for conn := range r.downstreams {
			downs = append(downs, conn)
		}
		torn[key] = downs
		delete(s.relays, key)
	}
	return torn
}

// Teardown discards local relay state for key outright and returns every
// downstream link it held, for a forced-unsub cascade triggered by an
// upstream failure: the caller notifies each returned link the same way,
// or, when none remain, surfaces the loss to the local application.
func (s *Subscriptions) Teardown(key types.Key) []types.ConnId {
	r, ok := s.relays[key]
	if !ok {
		return nil
	}
	out := make([]types.ConnId, 0, len(r.downstreams))
	for conn := range r.downstreams {
		out = append(out, conn)
	}
	delete(s.relays, key)
	delete(s.leafSession, key)
	return out
}

// RelayCount returns the number of keys currently participating in this
// node's relay tree, for metrics collection.
func (s *Subscriptions) RelayCount() int {
	return len(s.relays)
}

// SubscribeLocal registers the local application's interest in key and
// returns whether an upstream Sub must be emitted (only if this node
// has no existing relay state for the key at all).
func (s *Subscriptions) SubscribeLocal(key types.Key) (needSub bool) {
	_, exists := s.relays[key]
	return !exists
}

// ConfirmLeafSession records the relay_session a SubOk carried for a
// key the local application subscribes to.
func (s *Subscriptions) ConfirmLeafSession(key types.Key, session uint32) {
	s.leafSession[key] = session
}

// AcceptsSession reports whether an inbound OnSet/OnDel's relay_session
// matches the last confirmed session for key (session locking, 4.5).
func (s *Subscriptions) AcceptsSession(key types.Key, session uint32) bool {
	known, ok := s.leafSession[key]
	return ok && known == session
}
