// Package pubsub 实现设计文档 4.6 节的发布订阅特性：面向命名来源的
// 中继树构建、粘性路由与 Sub/SubOk/Unsub/UnsubOk/Data 协议。
package pubsub

import (
	"time"

	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("pubsub")

// pendingUpstream tracks an in-flight make-before-break transition: a
// new Sub has been sent along a better upstream candidate, but the old
// upstream is kept alive until SubOk is observed on the new one.
type pendingUpstream struct {
	via types.ConnId
}

// Manager holds per-channel relay state for every channel this node
// participates in, either as source, forwarder, or leaf subscriber.
type Manager struct {
	self           types.NodeID
	stickyDuration time.Duration

	relays  map[types.Channel]*types.RelayState
	pending map[types.Channel]*pendingUpstream
}

// New constructs an empty Manager.
func New(self types.NodeID, stickyDuration time.Duration) *Manager {
	if stickyDuration <= 0 {
		stickyDuration = 5 * time.Minute
	}
	return &Manager{
		self:           self,
		stickyDuration: stickyDuration,
		relays:         make(map[types.Channel]*types.RelayState),
		pending:        make(map[types.Channel]*pendingUpstream),
	}
}

// OnSubReceived processes an inbound Sub(channel, source, uuid) that
// arrived on from. isSource must be true exactly when self == channel
// source. It returns whether the caller must forward Sub upstream
// (only the first downstream on a fresh relay triggers this).
func (m *Manager) OnSubReceived(ch types.Channel, from types.ConnId, uuid uint64, isSource bool, now time.Time) (forwardUpstream bool) {
	r, ok := m.relays[ch]
	if !ok {
		r = types.NewRelayState(ch, uuid)
		r.StickyUntil = now.Add(m.stickyDuration)
		m.relays[ch] = r
		forwardUpstream = !isSource
	}
	r.AddDownstream(from)
	return forwardUpstream
}

// OnSubOkReceived processes a SubOk arriving from upstream. It returns
// the downstream links to forward SubOk to (the whole chain propagates
// it back toward the original subscribers), whether uuid mismatched the
// relay's recorded source session (4.6: "uuid mismatches in SubOk cause
// the Sub to be re-sent"), and, when this SubOk completes a pending
// make-before-break transition, the old upstream the caller must now
// tear down with Unsub.
func (m *Manager) OnSubOkReceived(ch types.Channel, uuid uint64) (downstreams []types.ConnId, uuidMismatch bool, oldUpstream types.ConnId, hadOldUpstream bool) {
	r, ok := m.relays[ch]
	if !ok {
		return nil, false, types.ConnId{}, false
	}
	if r.UUID != uuid {
		return nil, true, types.ConnId{}, false
	}
	if p, ok := m.pending[ch]; ok {
		if r.Upstream != nil {
			oldUpstream, hadOldUpstream = *r.Upstream, true
		}
		r.Upstream = &p.via
		delete(m.pending, ch)
	}
	for conn := range r.Downstreams {
		downstreams = append(downstreams, conn)
	}
	return downstreams, false, oldUpstream, hadOldUpstream
}

// OnUnsubReceived removes from as a downstream of ch. It returns true
// when the relay just lost its last downstream, in which case the
// caller must emit Unsub upstream (if this node is not the source) and
// the state is discarded.
func (m *Manager) OnUnsubReceived(ch types.Channel, from types.ConnId) (last bool, forwardUpstream bool) {
	r, ok := m.relays[ch]
	if !ok {
		return false, false
	}
	if !r.RemoveDownstream(from) {
		return false, false
	}
	forwardUpstream = ch.Source != m.self
	delete(m.relays, ch)
	delete(m.pending, ch)
	return true, forwardUpstream
}

// OnData returns the set of downstream links that a Data frame for ch,
// arriving from `from`, must be fanned out to. It never consults the
// router (4.6: "Data frames travel along the relay state without
// consulting Router").
func (m *Manager) OnData(ch types.Channel, from types.ConnId) []types.ConnId {
	r, ok := m.relays[ch]
	if !ok {
		return nil
	}
	out := make([]types.ConnId, 0, len(r.Downstreams))
	for conn := range r.Downstreams {
		if conn != from {
			out = append(out, conn)
		}
	}
	return out
}

// SubscribeLocal registers the local application as a leaf subscriber
// of ch, returning whether an upstream Sub must be sent (only if no
// relay state exists yet for this channel at all; a node already
// relaying ch for other downstreams just gains a local delivery
// target, no new upstream Sub).
func (m *Manager) SubscribeLocal(ch types.Channel, uuid uint64, now time.Time) (needSub bool) {
	r, ok := m.relays[ch]
	if !ok {
		r = types.NewRelayState(ch, uuid)
		r.StickyUntil = now.Add(m.stickyDuration)
		m.relays[ch] = r
		needSub = true
	}
	r.LocalSubscribed = true
	return needSub
}

// UnsubscribeLocal withdraws the local application's subscription to
// ch. The relay is torn down entirely, and an upstream Unsub is due,
// only once no downstream link and no local subscriber remain.
func (m *Manager) UnsubscribeLocal(ch types.Channel) (last bool, forwardUpstream bool) {
	r, ok := m.relays[ch]
	if !ok || !r.LocalSubscribed {
		return false, false
	}
	r.LocalSubscribed = false
	if len(r.Downstreams) > 0 {
		return false, false
	}
	forwardUpstream = !r.IsSource()
	delete(m.relays, ch)
	delete(m.pending, ch)
	return true, forwardUpstream
}

// LocalSubscribed reports whether the local application is currently a
// leaf subscriber of ch, so an inbound Data frame knows whether to
// surface an AppEventPubSubData alongside fanning out to downstreams.
func (m *Manager) LocalSubscribed(ch types.Channel) bool {
	r, ok := m.relays[ch]
	return ok && r.LocalSubscribed
}

// CheckSticky reports whether the current upstream for ch may be
// re-evaluated: only once now is past StickyUntil, and only when
// candidate differs from the currently pinned upstream. It returns
// false while a make-before-break transition is already in flight.
func (m *Manager) CheckSticky(ch types.Channel, candidate types.ConnId, now time.Time) bool {
	r, ok := m.relays[ch]
	if !ok || r.IsSource() {
		return false
	}
	if now.Before(r.StickyUntil) {
		return false
	}
	if _, inFlight := m.pending[ch]; inFlight {
		return false
	}
	return r.Upstream == nil || *r.Upstream != candidate
}

// BeginReroute records that a Sub has been sent to candidate as part of
// a make-before-break transition; the old upstream stays authoritative
// (still receiving Data, still fanned out) until OnSubOkReceived
// confirms the new one.
func (m *Manager) BeginReroute(ch types.Channel, candidate types.ConnId, now time.Time) {
	m.pending[ch] = &pendingUpstream{via: candidate}
	if r, ok := m.relays[ch]; ok {
		r.StickyUntil = now.Add(m.stickyDuration)
	}
}

// UUIDFor returns the source-session uuid this node's relay for ch was
// established with. A rerouted Sub must reuse it rather than mint a
// fresh one, since OnSubOkReceived treats a differing uuid as a stale
// reply and re-triggers the very re-send it is meant to detect.
func (m *Manager) UUIDFor(ch types.Channel) (uint64, bool) {
	r, ok := m.relays[ch]
	if !ok {
		return 0, false
	}
	return r.UUID, true
}

// OldUpstream returns the upstream that BeginReroute is replacing, so
// the caller can emit Unsub on it once the new one is confirmed.
func (m *Manager) OldUpstream(ch types.Channel) (types.ConnId, bool) {
	r, ok := m.relays[ch]
	if !ok || r.Upstream == nil {
		return types.ConnId{}, false
	}
	return *r.Upstream, true
}

// OnUpstreamDown handles the loss of the link a relay's upstream
// depends on: it tears down local state and returns the downstream
// links that must be told to re-subscribe through their own router
// (fast local recovery, 4.6 "Failure").
func (m *Manager) OnUpstreamDown(via types.ConnId) map[types.Channel][]types.ConnId {
	affected := make(map[types.Channel][]types.ConnId)
	for ch, r := range m.relays {
		if r.Upstream == nil || *r.Upstream != via {
			continue
		}
		downs := make([]types.ConnId, 0, len(r.Downstreams))
		for conn := range r.Downstreams {
			downs = append(downs, conn)
		}
		affected[ch] = downs
		delete(m.relays, ch)
		delete(m.pending, ch)
	}
	return affected
}

// Teardown discards local relay state for ch outright and returns every
// downstream link it held, for a forced-unsub cascade triggered by an
// upstream failure: the caller notifies each returned link the same way,
// or, when none remain, surfaces the loss to the local application.
func (m *Manager) Teardown(ch types.Channel) []types.ConnId {
	r, ok := m.relays[ch]
	if !ok {
		return nil
	}
	out := make([]types.ConnId, 0, len(r.Downstreams))
	for conn := range r.Downstreams {
		out = append(out, conn)
	}
	delete(m.relays, ch)
	delete(m.pending, ch)
	return out
}

// Snapshot exposes the current channel set for diagnostics/tests.
func (m *Manager) Snapshot() []types.Channel {
	out := make([]types.Channel, 0, len(m.relays))
	for ch := range m.relays {
		out = append(out, ch)
	}
	return out
}
