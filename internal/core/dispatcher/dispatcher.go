package dispatcher

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/plane/config"
	"github.com/relaymesh/plane/internal/core/alias"
	"github.com/relaymesh/plane/internal/core/discovery"
	"github.com/relaymesh/plane/internal/core/kv"
	"github.com/relaymesh/plane/internal/core/pubsub"
	"github.com/relaymesh/plane/internal/core/registry"
	"github.com/relaymesh/plane/internal/core/router"
	"github.com/relaymesh/plane/internal/core/routersync"
	"github.com/relaymesh/plane/internal/core/timer"
	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
	"github.com/relaymesh/plane/pkg/wire"
)

var log = logger.Logger("dispatcher")

const (
	featureKeepalive         = "keepalive"
	featureRouterSync        = "router-sync"
	featureKV                = "kv"
	featureKVGet             = "kv-get"
	featureAlias             = "alias"
	featurePubSubCheck       = "pubsub-check"
	featureKVReplicationSync = "kv-replication-sync"
)

// pendingOp is a reliably-delivered outbound frame awaiting an ACK,
// tracked by the timer wheel under (feature, op_id) per §5. The op_id
// is always a value both sides can derive independently (a key hash,
// an alias) rather than a dispatcher-private counter, since the ack
// that clears it originates on the remote side.
type pendingOp struct {
	target      types.ConnId
	frame       types.Frame
	interval    time.Duration
	attemptsMax int
	attempts    int
}

// Dispatcher wires together every core subsystem behind the single
// event/action contract of §4.8 and §9: step(state, event, now) →
// actions. It is not safe for concurrent use: the host binary must
// drive it from one goroutine (§5: "single-threaded cooperatively").
type Dispatcher struct {
	self types.NodeID
	cfg  *config.Config

	registry   *registry.Registry
	router     *router.Router
	sync       *routersync.State
	discovery  *discovery.Manual
	kvStore    *kv.Store
	kvSubs     *kv.Subscriptions
	pubsub     *pubsub.Manager
	aliasDir   *alias.Directory
	timers     *timer.Wheel
	sendQueues map[types.ConnId]*SendQueue

	pending map[timer.Key]*pendingOp

	nextSession uint32
	// recordSession is the source session stamped on every KV record this
	// node writes. It is drawn once per Dispatcher, so a later Set or Del
	// by this node supersedes its own earlier one.
	recordSession uint32
}

// New constructs a Dispatcher wiring every feature per cfg.
func New(cfg *config.Config, seeds []types.NodeAddress, now time.Time) *Dispatcher {
	d := &Dispatcher{
		self: cfg.NodeID,
		cfg:  cfg,
		registry: registry.New(registry.Config{
			Self:              cfg.NodeID,
			KeepaliveInterval: cfg.Registry.KeepaliveInterval.Duration(),
			MaxMissedProbes:   cfg.Registry.MaxMissedKeepalives,
		}),
		router: router.New(router.Config{
			Self:              cfg.NodeID,
			RouteEntryTTL:     cfg.Router.RouteEntryTTL.Duration(),
			MaxHops:           cfg.Router.MaxHops,
			CandidatesPerSlot: cfg.Router.CandidatesPerSlot,
		}),
		sync: routersync.NewState(),
		discovery: discovery.New(discovery.Config{
			LocalTags:       cfg.Discovery.LocalTags,
			ConnectTags:     cfg.Discovery.ConnectTags,
			Seeds:           seeds,
			RequireTagMatch: cfg.Discovery.RequireTagMatch,
			ReattemptEvery:  cfg.Discovery.ReattemptEvery.Duration(),
			BackoffBase:     cfg.Discovery.BackoffBase.Duration(),
			BackoffMax:      cfg.Discovery.BackoffMax.Duration(),
		}, now),
		kvStore:    kv.NewStore(),
		kvSubs:     kv.NewSubscriptions(),
		pubsub:     pubsub.New(cfg.NodeID, cfg.PubSub.StickyDuration.Duration()),
		aliasDir:   alias.New(cfg.NodeID, cfg.Alias.HopTTL),
		timers:     timer.New(nil),
		sendQueues: make(map[types.ConnId]*SendQueue),
		pending:    make(map[timer.Key]*pendingOp),

		recordSession: uint32(newUUID64()),
	}
	// Every node wires PubSub/NodeAlias/RPC unconditionally, but KeyValue
	// storage is opt-out (cfg.KV.LocalStoreEnabled) so a thin node can
	// relay without ever holding a replica. Either way the capability
	// advertisement travels on Router-Sync like any other route.
	if cfg.KV.LocalStoreEnabled {
		d.router.AdvertiseLocal(types.ServiceAdvertKeyValue)
	}
	d.router.AdvertiseLocal(types.ServiceAdvertPubSub)
	d.router.AdvertiseLocal(types.ServiceAdvertNodeAlias)
	d.router.AdvertiseLocal(types.ServiceAdvertRPC)
	d.timers.Schedule(timer.Key{FeatureID: featureKeepalive}, now.Add(d.registry.KeepaliveInterval()))
	d.timers.Schedule(timer.Key{FeatureID: featureRouterSync}, now.Add(d.cfg.RouterSync.SyncInterval.Duration()))
	d.timers.Schedule(timer.Key{FeatureID: featurePubSubCheck}, now.Add(d.cfg.PubSub.RefreshInterval.Duration()))
	d.timers.Schedule(timer.Key{FeatureID: featureKVReplicationSync}, now.Add(d.cfg.KV.ReplicationSync.Duration()))
	return d
}

func (d *Dispatcher) queueFor(conn types.ConnId) *SendQueue {
	q, ok := d.sendQueues[conn]
	if !ok {
		q = NewSendQueue(d.cfg.Registry.SendQueueSize)
		d.sendQueues[conn] = q
	}
	return q
}

// send enqueues a frame for conn and returns the Action that carries
// it to Transport; the queue only governs overflow policy, the actual
// encode happens at the transport boundary via pkg/wire.
func (d *Dispatcher) send(conn types.ConnId, f types.Frame) types.Action {
	q := d.queueFor(conn)
	if _, dropped := q.Push(f); dropped {
		log.Debug("send queue overflow, dropped lowest-priority frame", "conn", conn.String())
	}
	return types.Action{Kind: types.ActionSend, Conn: conn, Frame: f}
}

func (d *Dispatcher) scheduleRetransmit(feature string, opID uint64, target types.ConnId, frame types.Frame, interval time.Duration, maxAttempts int, now time.Time) {
	key := timer.Key{FeatureID: feature, OpID: opID}
	d.pending[key] = &pendingOp{target: target, frame: frame, interval: interval, attemptsMax: maxAttempts}
	d.timers.Schedule(key, now.Add(interval))
}

func (d *Dispatcher) cancelRetransmit(feature string, opID uint64) {
	key := timer.Key{FeatureID: feature, OpID: opID}
	delete(d.pending, key)
	d.timers.Cancel(key)
}

// NextDeadline returns the earliest instant the host must next call
// Step with an EventTick (either a pending timer-wheel entry or the
// next manual-discovery reconnection attempt), or false when nothing
// is currently scheduled.
func (d *Dispatcher) NextDeadline() (time.Time, bool) {
	deadline, ok := d.timers.NextDeadline()
	if dd, dok := d.discovery.NextDeadline(); dok && (!ok || dd.Before(deadline)) {
		deadline, ok = dd, true
	}
	return deadline, ok
}

// MetricsSnapshot bundles the point-in-time sizes internal/metrics
// publishes as gauges (route table, connections, relay trees, KV
// records) so the host loop can poll a single call per tick.
type MetricsSnapshot struct {
	Connections  int
	RouteEntries int
	KVRecords    int
	KVRelays     int
	PubSubRelays int
	AliasEntries int
}

// MetricsSnapshot reports the current size of every collaborator's
// state that internal/metrics tracks.
func (d *Dispatcher) MetricsSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Connections:  d.registry.Len(),
		RouteEntries: len(d.router.Snapshot()),
		KVRecords:    d.kvStore.RecordCount(),
		KVRelays:     d.kvSubs.RelayCount(),
		PubSubRelays: len(d.pubsub.Snapshot()),
		AliasEntries: d.aliasDir.Len(),
	}
}

func newUUID64() uint64 {
	u := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(u[i])
	}
	return v
}

// Step is the single entry point the host binary calls for every
// inbound Event; it returns the Actions produced.
func (d *Dispatcher) Step(ev types.Event) []types.Action {
	switch ev.Kind {
	case types.EventTick:
		return d.onTick(ev.Now)
	case types.EventFrame:
		return d.onFrame(ev.Conn, ev.Frame, ev.Now)
	case types.EventConnUp:
		return d.onConnUp(ev.Conn.Remote, ev.Direction, ev.Now)
	case types.EventConnDown:
		return d.onConnDown(ev.Conn, ev.Now)
	case types.EventMeasurement:
		d.registry.OnMeasurement(ev.Conn, ev.Metric, ev.Now)
		return nil
	case types.EventCommand:
		return d.onCommand(ev.Command, ev.Now)
	default:
		return nil
	}
}

func (d *Dispatcher) onConnUp(remote types.NodeID, direction types.Direction, now time.Time) []types.Action {
	id, evicted, err := d.registry.OnConnected(remote, direction, now)
	var actions []types.Action
	for _, e := range evicted {
		actions = append(actions, d.cleanupConn(e, now)...)
		actions = append(actions, types.Action{Kind: types.ActionDisconnect, Conn: e})
	}
	if err != nil {
		return actions
	}
	d.discovery.OnConnected(remote)
	// A direct neighbor is itself a destination: install it one hop away at
	// the first layer where its id differs from ours, so Router-Sync has it
	// to advertise to the other neighbors.
	if k := d.self.LayerMatch(remote); k < types.NumLayers {
		d.router.Install(k, types.RouteEntry{DestLayerKey: remote.Layer(k), Via: id, Hops: 1}, nil, now)
	}
	handshake := wire.EncodeDiscoveryTags(d.cfg.Discovery.LocalTags)
	actions = append(actions, d.send(id, types.Frame{Service: types.ServiceManualDiscoveryControl, Payload: handshake}))
	return actions
}

func (d *Dispatcher) onConnDown(conn types.ConnId, now time.Time) []types.Action {
	if !d.registry.OnDisconnected(conn) {
		return nil
	}
	return d.cleanupConn(conn, now)
}

// cleanupConn withdraws every piece of per-connection state a feature
// holds once conn is known dead, whether that was discovered via an
// explicit disconnect event or a missed-keepalive timeout. Every relay
// that depended on conn as its upstream must tell its own downstreams a
// synthetic Unsub (4.6 Failure), the same cascade forceKVUnsub and
// forcePubSubUnsub drive when that Unsub arrives over the wire instead.
func (d *Dispatcher) cleanupConn(conn types.ConnId, now time.Time) []types.Action {
	delete(d.sendQueues, conn)
	d.router.WithdrawVia(conn)
	d.discovery.OnDisconnected(conn.Remote, now)
	d.aliasDir.WithdrawVia(conn)
	var actions []types.Action
	for key, downs := range d.kvSubs.WithdrawVia(conn) {
		actions = append(actions, d.announceKVLoss(key, downs)...)
	}
	for ch, downs := range d.pubsub.OnUpstreamDown(conn) {
		actions = append(actions, d.announcePubSubLoss(ch, downs)...)
	}
	return actions
}

func (d *Dispatcher) onTick(now time.Time) []types.Action {
	var actions []types.Action
	for _, key := range d.timers.Ready(now) {
		switch key.FeatureID {
		case featureKeepalive:
			actions = append(actions, d.tickKeepalive(now)...)
			d.timers.Schedule(key, now.Add(d.registry.KeepaliveInterval()))
		case featureRouterSync:
			actions = append(actions, d.tickRouterSync(now)...)
			d.timers.Schedule(key, now.Add(d.cfg.RouterSync.SyncInterval.Duration()))
		case featurePubSubCheck:
			actions = append(actions, d.tickPubSubCheck(now)...)
			d.timers.Schedule(key, now.Add(d.cfg.PubSub.RefreshInterval.Duration()))
		case featureKVReplicationSync:
			actions = append(actions, d.tickKVReplicationSync(now)...)
			d.timers.Schedule(key, now.Add(d.cfg.KV.ReplicationSync.Duration()))
		default:
			actions = append(actions, d.tickRetransmit(key, now)...)
		}
	}
	for _, addr := range d.discovery.PendingDials(now) {
		actions = append(actions, types.Action{Kind: types.ActionDial, Address: addr})
	}
	return actions
}

func (d *Dispatcher) tickKeepalive(now time.Time) []types.Action {
	probe, dead := d.registry.PollLiveness(now)
	var actions []types.Action
	for _, conn := range dead {
		actions = append(actions, d.cleanupConn(conn, now)...)
		actions = append(actions, types.Action{Kind: types.ActionDisconnect, Conn: conn})
	}
	for _, conn := range probe {
		actions = append(actions, d.send(conn, types.Frame{Service: types.ServiceKeepalive}))
	}
	return actions
}

// tickPubSubCheck re-evaluates every relay's sticky upstream on the
// periodic feature timer, independent of Data arrival (4.6 Stickiness
// mandates both triggers so a channel that goes quiet still reroutes
// once sticky_until elapses).
func (d *Dispatcher) tickPubSubCheck(now time.Time) []types.Action {
	var actions []types.Action
	for _, ch := range d.pubsub.Snapshot() {
		actions = append(actions, d.maybeReroutePubSub(ch, now)...)
	}
	return actions
}

// tickKVReplicationSync drives the periodic reconcile pass §4.5
// Replication requires: for every key this node holds a copy of, find
// the node currently responsible for the key's replica pair and send it
// this node's (source, version) vector for that key. The receiver pushes
// back whichever entries it holds a newer version of; each side runs the
// same pass, so both directions converge without a separate request leg.
func (d *Dispatcher) tickKVReplicationSync(now time.Time) []types.Action {
	var actions []types.Action
	for _, key := range d.kvStore.Keys() {
		recs := d.kvStore.Get(key, now)
		if len(recs) == 0 {
			continue
		}
		pair := types.Key{Hash: key.ReplicaHash(), Subkey: key.Subkey}
		decision := d.router.PathTo(router.ForClosest(pair), now)
		if decision.Kind != router.DecisionForward {
			continue
		}
		vector := make([]wire.ReplicaVectorEntry, 0, len(recs))
		for _, rec := range recs {
			vector = append(vector, wire.ReplicaVectorEntry{Source: rec.Source, Version: rec.Version})
		}
		payload := wire.EncodeKVReplicaSync(key, vector)
		actions = append(actions, d.send(decision.Via, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagReserved | types.FlagAck, Payload: payload}))
	}
	return actions
}

func (d *Dispatcher) tickRouterSync(now time.Time) []types.Action {
	d.sync.BeginTick()
	var actions []types.Action
	for _, conn := range d.registry.IterActive() {
		frame := d.sync.BuildFrame(d.router, conn)
		if len(frame.Items) == 0 {
			continue
		}
		items := make([]wire.SyncItem, 0, len(frame.Items))
		for _, it := range frame.Items {
			items = append(items, wire.SyncItem{Layer: uint8(it.Layer), DestLayerKey: it.DestLayerKey, Metric: it.Metric, Hops: it.Hops, Session: it.Session, Services: it.Services})
		}
		payload := wire.EncodeSyncFrame(frame.Epoch, items)
		actions = append(actions, d.send(conn, types.Frame{Service: types.ServiceRouterSync, Payload: payload}))
	}
	return actions
}

func (d *Dispatcher) tickRetransmit(key timer.Key, now time.Time) []types.Action {
	op, ok := d.pending[key]
	if !ok {
		return nil
	}
	op.attempts++
	if op.attempts > op.attemptsMax {
		delete(d.pending, key)
		return []types.Action{{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventError, Err: &types.AckTimeoutError{OpID: uint32(key.OpID)}}}}
	}
	d.timers.Schedule(key, now.Add(op.interval))
	return []types.Action{d.send(op.target, op.frame)}
}

func (d *Dispatcher) onFrame(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	switch f.Service {
	case types.ServiceRouterSync:
		return d.onRouterSyncFrame(from, f, now)
	case types.ServiceKeyValue:
		return d.onKVFrame(from, f, now)
	case types.ServicePubSub:
		return d.onPubSubFrame(from, f, now)
	case types.ServiceNodeAlias:
		return d.onAliasFrame(from, f, now)
	case types.ServiceRPC:
		return d.onRPCFrame(from, f, now)
	case types.ServiceKeepalive:
		d.registry.OnMeasurement(from, types.LinkMetric{}, now)
		return nil
	case types.ServiceManualDiscoveryControl:
		return d.onDiscoveryFrame(from, f, now)
	default:
		log.Debug("dropping frame for unhandled service", "service", f.Service.String())
		return nil
	}
}

func (d *Dispatcher) onRouterSyncFrame(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	epoch, items, err := wire.DecodeSyncFrame(f.Payload)
	if err != nil {
		log.Debug("malformed router-sync frame", "err", err)
		return nil
	}
	linkMetric, _ := d.registry.Lookup(from)
	syncItems := make([]routersync.Item, 0, len(items))
	for _, it := range items {
		syncItems = append(syncItems, routersync.Item{Layer: int(it.Layer), DestLayerKey: it.DestLayerKey, Metric: it.Metric, Hops: it.Hops, Session: it.Session, Services: it.Services})
	}
	d.sync.ApplyIncoming(d.router, from, linkMetric, routersync.Frame{Epoch: epoch, Items: syncItems}, now)
	return nil
}

// --- Manual Discovery ----------------------------------------------------

func (d *Dispatcher) onDiscoveryFrame(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	tags, err := wire.DecodeDiscoveryTags(f.Payload)
	if err != nil {
		log.Debug("malformed discovery tags frame", "err", err)
		return nil
	}
	if d.discovery.AcceptInbound(tags) {
		return nil
	}
	log.Debug("rejecting inbound link, tag mismatch", "conn", from.String())
	var actions []types.Action
	if d.registry.OnDisconnected(from) {
		actions = append(actions, d.cleanupConn(from, now)...)
	}
	actions = append(actions, types.Action{Kind: types.ActionDisconnect, Conn: from})
	return actions
}

// --- Key-Value -------------------------------------------------------------
//
// ServiceKeyValue's flags pick the message subtype the same way PubSub
// and Node-Alias do: no flags is Set, FlagAck is its ack, FlagReserved
// is Del, FlagReserved|FlagAck is its ack. FlagBroadcast marks the
// subscription-relay family: alone it is Sub, with FlagAck it is SubOk,
// with FlagReserved it is Unsub. Point lookups (Get) do not fit this
// envelope at all: they need a found/not-found reply, and route
// through the reserved request/response service instead (ServiceRPC).

func (d *Dispatcher) onKVFrame(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	switch {
	case f.Flags.Has(types.FlagBroadcast) && f.Flags.Has(types.FlagReserved) && f.Flags.Has(types.FlagAck):
		return d.onKVReplicaSync(from, f, now)
	case f.Flags.Has(types.FlagBroadcast) && f.Flags.Has(types.FlagAck):
		return d.onKVSubOk(from, f)
	case f.Flags.Has(types.FlagBroadcast) && f.Flags.Has(types.FlagReserved):
		return d.onKVUnsub(from, f)
	case f.Flags.Has(types.FlagBroadcast):
		return d.onKVSub(from, f, now)
	case f.Flags.Has(types.FlagReserved) && f.Flags.Has(types.FlagAck):
		return d.onKVDelAck(f)
	case f.Flags.Has(types.FlagReserved):
		return d.onKVDel(from, f, now)
	case f.Flags.Has(types.FlagAck):
		return d.onKVSetAck(f)
	default:
		return d.onKVSet(from, f, now)
	}
}

func (d *Dispatcher) onKVSet(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	key, source, version, ttlMs, relaySession, value, err := wire.DecodeKVSet(f.Payload)
	if err != nil {
		log.Debug("malformed kv set frame", "err", err)
		return nil
	}
	if via, ok := d.kvSubs.Upstream(key); ok && from == via && !d.kvSubs.AcceptsSession(key, relaySession) {
		log.Debug("dropping kv set, stale relay session", "key", key.String())
		return nil
	}
	var expires time.Time
	if ttlMs > 0 {
		expires = now.Add(time.Duration(ttlMs) * time.Millisecond)
	}
	rec := types.KeyValueRecord{Key: key, Source: source, Value: value, Version: version, ExpiresAt: expires}
	changed := d.kvStore.Apply(rec)
	var actions []types.Action
	if changed {
		actions = append(actions, types.Action{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventKVChanged, Record: rec}})
		for _, down := range d.kvSubs.Downstreams(key, from) {
			actions = append(actions, d.send(down, f))
		}
	}
	ackPayload := wire.EncodeKVAck(key.Hash)
	actions = append(actions, d.send(from, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagAck, Payload: ackPayload}))
	return actions
}

func (d *Dispatcher) onKVSetAck(f types.Frame) []types.Action {
	opID, err := wire.DecodeKVAck(f.Payload)
	if err != nil {
		log.Debug("malformed kv set-ack frame", "err", err)
		return nil
	}
	d.cancelRetransmit(featureKV, uint64(opID))
	return nil
}

func (d *Dispatcher) onKVDel(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	key, source, version, relaySession, err := wire.DecodeKVDel(f.Payload)
	if err != nil {
		log.Debug("malformed kv del frame", "err", err)
		return nil
	}
	if via, ok := d.kvSubs.Upstream(key); ok && from == via && !d.kvSubs.AcceptsSession(key, relaySession) {
		log.Debug("dropping kv del, stale relay session", "key", key.String())
		return nil
	}
	changed := d.kvStore.Delete(key, source, version, now)
	var actions []types.Action
	if changed {
		rec := types.KeyValueRecord{Key: key, Source: source, Version: version, ExpiresAt: now.Add(-time.Nanosecond)}
		actions = append(actions, types.Action{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventKVChanged, Record: rec}})
		for _, down := range d.kvSubs.Downstreams(key, from) {
			actions = append(actions, d.send(down, f))
		}
	}
	ackPayload := wire.EncodeKVAck(key.Hash)
	actions = append(actions, d.send(from, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagReserved | types.FlagAck, Payload: ackPayload}))
	return actions
}

func (d *Dispatcher) onKVDelAck(f types.Frame) []types.Action {
	opID, err := wire.DecodeKVAck(f.Payload)
	if err != nil {
		log.Debug("malformed kv del-ack frame", "err", err)
		return nil
	}
	d.cancelRetransmit(featureKV, uint64(opID))
	return nil
}

func (d *Dispatcher) onKVSub(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	key, subSession, err := wire.DecodeKVSub(f.Payload)
	if err != nil {
		log.Debug("malformed kv sub frame", "err", err)
		return nil
	}
	isResponsible := d.router.PathTo(router.ForClosest(key), now).Kind == router.DecisionLocal
	forwardUpstream, relaySession, freshClaim := d.kvSubs.OnSubReceived(key, from, subSession, isResponsible)
	if freshClaim {
		log.Debug("claimed kv relay responsibility", "key", key.String(), "relay_session", relaySession)
	}
	var actions []types.Action
	if isResponsible {
		okPayload := wire.EncodeKVSubOk(key, relaySession)
		actions = append(actions, d.send(from, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagAck, Payload: okPayload}))
		for _, rec := range d.kvStore.Get(key, now) {
			setPayload := wire.EncodeKVSet(key, rec.Source, rec.Version, 0, relaySession, rec.Value)
			actions = append(actions, d.send(from, types.Frame{Service: types.ServiceKeyValue, Payload: setPayload}))
		}
		return actions
	}
	if !forwardUpstream {
		return nil
	}
	decision := d.router.PathTo(router.ForClosest(key), now)
	if decision.Kind != router.DecisionForward {
		return nil
	}
	d.kvSubs.SetUpstream(key, decision.Via)
	payload := wire.EncodeKVSub(key, subSession)
	actions = append(actions, d.send(decision.Via, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast, Payload: payload}))
	return actions
}

func (d *Dispatcher) onKVSubOk(from types.ConnId, f types.Frame) []types.Action {
	key, relaySession, err := wire.DecodeKVSubOk(f.Payload)
	if err != nil {
		log.Debug("malformed kv subok frame", "err", err)
		return nil
	}
	d.kvSubs.ConfirmLeafSession(key, relaySession)
	var actions []types.Action
	payload := wire.EncodeKVSubOk(key, relaySession)
	for _, down := range d.kvSubs.Downstreams(key, from) {
		actions = append(actions, d.send(down, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagAck, Payload: payload}))
	}
	return actions
}

func (d *Dispatcher) onKVUnsub(from types.ConnId, f types.Frame) []types.Action {
	key, err := wire.DecodeKVUnsub(f.Payload)
	if err != nil {
		log.Debug("malformed kv unsub frame", "err", err)
		return nil
	}
	via, hadUpstream := d.kvSubs.Upstream(key)
	if hadUpstream && from == via {
		return d.forceKVUnsub(key)
	}
	last, forward := d.kvSubs.OnUnsubReceived(key, from)
	if !last || !forward || !hadUpstream {
		return nil
	}
	payload := wire.EncodeKVUnsub(key)
	return []types.Action{d.send(via, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagReserved, Payload: payload})}
}

// forceKVUnsub cascades a synthetic Unsub arriving from this node's own
// recorded upstream (indistinguishable on the wire from a downstream
// request except by direction): the upstream relay failed, so every
// downstream must be told the same way, or, once the cascade reaches a
// leaf, the local application must be told to re-subscribe itself.
func (d *Dispatcher) forceKVUnsub(key types.Key) []types.Action {
	return d.announceKVLoss(key, d.kvSubs.Teardown(key))
}

// announceKVLoss builds the actions that notify every link in downs that
// key's subscription just died upstream, or, when downs is empty, tells
// the local application directly (this node was the leaf).
func (d *Dispatcher) announceKVLoss(key types.Key, downs []types.ConnId) []types.Action {
	if len(downs) == 0 {
		return []types.Action{{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventKVSubscriptionLost, Key: key}}}
	}
	payload := wire.EncodeKVUnsub(key)
	actions := make([]types.Action, 0, len(downs))
	for _, down := range downs {
		actions = append(actions, d.send(down, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagReserved, Payload: payload}))
	}
	return actions
}

// onKVReplicaSync answers an inbound replication vector by pushing back,
// as ordinary Set frames, every local record for key whose version the
// sender's vector shows it is missing or behind (§4.5 Replication).
func (d *Dispatcher) onKVReplicaSync(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	key, vector, err := wire.DecodeKVReplicaSync(f.Payload)
	if err != nil {
		log.Debug("malformed kv replica sync frame", "err", err)
		return nil
	}
	remote := make(map[types.RecordSource]uint64, len(vector))
	for _, v := range vector {
		remote[v.Source] = v.Version
	}
	var actions []types.Action
	for _, rec := range d.kvStore.Get(key, now) {
		if theirVersion, ok := remote[rec.Source]; ok && theirVersion >= rec.Version {
			continue
		}
		var ttlMs uint32
		if !rec.ExpiresAt.IsZero() {
			if remaining := rec.ExpiresAt.Sub(now); remaining > 0 {
				ttlMs = uint32(remaining / time.Millisecond)
			}
		}
		payload := wire.EncodeKVSet(rec.Key, rec.Source, rec.Version, ttlMs, 0, rec.Value)
		actions = append(actions, d.send(from, types.Frame{Service: types.ServiceKeyValue, Payload: payload}))
	}
	return actions
}

// routeToKey resolves the forwarding decision for a key-value target.
// pathToClosest can only ever answer Local or Forward (it never gives
// up), so a topologically-closest verdict is not by itself proof that
// this node should act on it: with local storage disabled this node
// forwards on to any peer that actually advertises the KeyValue
// capability instead of silently being a dead end for the record.
func (d *Dispatcher) routeToKey(target types.Key, now time.Time) router.Decision {
	decision := d.router.PathTo(router.ForClosest(target), now)
	if decision.Kind == router.DecisionLocal && !d.cfg.KV.LocalStoreEnabled {
		return d.router.PathTo(router.ForService(types.ServiceAdvertKeyValue), now)
	}
	return decision
}

func (d *Dispatcher) doKVSet(cmd types.Command, now time.Time) []types.Action {
	source := types.RecordSource{Node: d.self, Session: d.recordSession}
	primary, replica := kv.ReplicaTargets(cmd.Key)
	var actions []types.Action
	for _, target := range []types.Key{primary, replica} {
		var ttlMs uint32
		var expires time.Time
		if cmd.TTL > 0 {
			ttlMs = uint32(cmd.TTL / time.Millisecond)
			expires = now.Add(cmd.TTL)
		}
		decision := d.routeToKey(target, now)
		if decision.Kind == router.DecisionLocal {
			d.kvStore.Apply(types.KeyValueRecord{Key: target, Source: source, Value: cmd.Value, Version: cmd.Version, ExpiresAt: expires})
			continue
		}
		if decision.Kind != router.DecisionForward {
			continue
		}
		payload := wire.EncodeKVSet(target, source, cmd.Version, ttlMs, 0, cmd.Value)
		frame := types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagReliable, Payload: payload}
		d.scheduleRetransmit(featureKV, uint64(target.Hash), decision.Via, frame, d.cfg.KV.RetransmitInterval.Duration(), d.cfg.KV.MaxRetransmits, now)
		actions = append(actions, d.send(decision.Via, frame))
	}
	return actions
}

func (d *Dispatcher) doKVDel(cmd types.Command, now time.Time) []types.Action {
	source := types.RecordSource{Node: d.self, Session: d.recordSession}
	primary, replica := kv.ReplicaTargets(cmd.Key)
	var actions []types.Action
	for _, target := range []types.Key{primary, replica} {
		decision := d.routeToKey(target, now)
		if decision.Kind == router.DecisionLocal {
			d.kvStore.Delete(target, source, cmd.Version, now)
			continue
		}
		if decision.Kind != router.DecisionForward {
			continue
		}
		payload := wire.EncodeKVDel(target, source, cmd.Version, 0)
		frame := types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagReliable | types.FlagReserved, Payload: payload}
		d.scheduleRetransmit(featureKV, uint64(target.Hash), decision.Via, frame, d.cfg.KV.RetransmitInterval.Duration(), d.cfg.KV.MaxRetransmits, now)
		actions = append(actions, d.send(decision.Via, frame))
	}
	return actions
}

// doKVGet answers a local read from the store when this node already
// holds a copy, otherwise forwards a request to whichever neighbor the
// router places closest to the key and waits for a reply on ServiceRPC.
func (d *Dispatcher) doKVGet(cmd types.Command, now time.Time) []types.Action {
	if local := d.kvStore.Get(cmd.Key, now); len(local) > 0 {
		actions := make([]types.Action, 0, len(local))
		for _, rec := range local {
			actions = append(actions, types.Action{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventKVChanged, Record: rec}})
		}
		return actions
	}
	decision := d.routeToKey(cmd.Key, now)
	if decision.Kind != router.DecisionForward {
		return nil
	}
	frame := types.Frame{Service: types.ServiceRPC, Payload: wire.EncodeRPCGet(cmd.Key)}
	d.scheduleRetransmit(featureKVGet, uint64(cmd.Key.Hash), decision.Via, frame, d.cfg.KV.RetransmitInterval.Duration(), d.cfg.KV.MaxRetransmits, now)
	return []types.Action{d.send(decision.Via, frame)}
}

func (d *Dispatcher) doKVSubscribe(cmd types.Command, now time.Time) []types.Action {
	if !d.kvSubs.SubscribeLocal(cmd.Key) {
		return nil
	}
	decision := d.routeToKey(cmd.Key, now)
	if decision.Kind != router.DecisionForward {
		return nil
	}
	d.kvSubs.SetUpstream(cmd.Key, decision.Via)
	d.nextSession++
	frame := types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast, Payload: wire.EncodeKVSub(cmd.Key, d.nextSession)}
	return []types.Action{d.send(decision.Via, frame)}
}

// doKVUnsubscribe treats the local application's interest the same way
// doPubSubPublish treats a local publish: as a phantom downstream on
// the zero ConnId, which was never actually recorded in the relay's
// downstream set, so the last-subscriber accounting falls out for free.
func (d *Dispatcher) doKVUnsubscribe(cmd types.Command, now time.Time) []types.Action {
	via, hadUpstream := d.kvSubs.Upstream(cmd.Key)
	last, forward := d.kvSubs.OnUnsubReceived(cmd.Key, types.ConnId{})
	if !last || !forward || !hadUpstream {
		return nil
	}
	payload := wire.EncodeKVUnsub(cmd.Key)
	return []types.Action{d.send(via, types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagReserved, Payload: payload})}
}

// --- RPC (point lookups) ---------------------------------------------------

func (d *Dispatcher) onRPCFrame(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	if f.Flags.Has(types.FlagAck) {
		return d.onRPCGetReply(f)
	}
	return d.onRPCGetRequest(from, f, now)
}

func (d *Dispatcher) onRPCGetRequest(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	key, err := wire.DecodeRPCGet(f.Payload)
	if err != nil {
		log.Debug("malformed rpc get request", "err", err)
		return nil
	}
	recs := d.kvStore.Get(key, now)
	if len(recs) == 0 {
		reply := wire.EncodeRPCGetReply(key, false, types.RecordSource{}, 0, nil)
		return []types.Action{d.send(from, types.Frame{Service: types.ServiceRPC, Flags: types.FlagAck, Payload: reply})}
	}
	best := recs[0]
	for _, r := range recs[1:] {
		if r.Version > best.Version {
			best = r
		}
	}
	reply := wire.EncodeRPCGetReply(key, true, best.Source, best.Version, best.Value)
	return []types.Action{d.send(from, types.Frame{Service: types.ServiceRPC, Flags: types.FlagAck, Payload: reply})}
}

func (d *Dispatcher) onRPCGetReply(f types.Frame) []types.Action {
	key, found, source, version, value, err := wire.DecodeRPCGetReply(f.Payload)
	if err != nil {
		log.Debug("malformed rpc get reply", "err", err)
		return nil
	}
	d.cancelRetransmit(featureKVGet, uint64(key.Hash))
	if !found {
		return nil
	}
	rec := types.KeyValueRecord{Key: key, Source: source, Value: value, Version: version}
	d.kvStore.Apply(rec)
	return []types.Action{{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventKVChanged, Record: rec}}}
}

// --- Pub/Sub -------------------------------------------------------------
//
// The wire payload shapes for Sub/SubOk/Unsub/UnsubOk are identical
// (channel + uuid, per pkg/wire's EncodePubSubSub); the frame's Flags
// distinguish the message subtype so the fixed field layout in §6
// never needs a fifth payload shape: no flags is Sub, FlagAck is
// SubOk, FlagReserved is Unsub, both together is UnsubOk. FlagBroadcast
// marks a Data frame, which uses the separate Data payload shape.

func (d *Dispatcher) onPubSubFrame(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	if f.Flags.Has(types.FlagBroadcast) {
		ch, data, err := wire.DecodePubSubData(f.Payload)
		if err != nil {
			log.Debug("malformed pubsub data frame", "err", err)
			return nil
		}
		var actions []types.Action
		for _, down := range d.pubsub.OnData(ch, from) {
			actions = append(actions, d.send(down, types.Frame{Service: types.ServicePubSub, Flags: types.FlagBroadcast, Payload: f.Payload}))
		}
		if d.pubsub.LocalSubscribed(ch) {
			actions = append(actions, types.Action{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventPubSubData, Channel: ch, Data: data}})
		}
		actions = append(actions, d.maybeReroutePubSub(ch, now)...)
		return actions
	}

	ch, uuid64, err := wire.DecodePubSubSub(f.Payload)
	if err != nil {
		log.Debug("malformed pubsub frame", "err", err)
		return nil
	}

	switch {
	case f.Flags.Has(types.FlagAck) && f.Flags.Has(types.FlagReserved):
		return nil // UnsubOk: nothing further to propagate.
	case f.Flags.Has(types.FlagReserved):
		return d.onPubSubUnsub(ch, from)
	case f.Flags.Has(types.FlagAck):
		return d.onPubSubSubOk(ch, uuid64)
	default:
		return d.onPubSubSub(ch, from, uuid64, now)
	}
}

func (d *Dispatcher) onPubSubSub(ch types.Channel, from types.ConnId, uuid64 uint64, now time.Time) []types.Action {
	isSource := ch.Source == d.self
	forward := d.pubsub.OnSubReceived(ch, from, uuid64, isSource, now)
	if isSource {
		payload := wire.EncodePubSubSub(ch, uuid64)
		return []types.Action{d.send(from, types.Frame{Service: types.ServicePubSub, Flags: types.FlagAck, Payload: payload})}
	}
	if !forward {
		return nil
	}
	decision := d.router.PathTo(router.ForNode(ch.Source), now)
	if decision.Kind != router.DecisionForward {
		return nil
	}
	d.pubsub.BeginReroute(ch, decision.Via, now)
	payload := wire.EncodePubSubSub(ch, uuid64)
	return []types.Action{d.send(decision.Via, types.Frame{Service: types.ServicePubSub, Payload: payload})}
}

// maybeReroutePubSub re-evaluates whether ch's pinned upstream is still
// the router's best candidate now that its sticky window has elapsed
// (4.6 Stickiness). When a better candidate exists it starts a
// make-before-break transition to it; the old upstream keeps serving
// Data until the new one's SubOk arrives.
func (d *Dispatcher) maybeReroutePubSub(ch types.Channel, now time.Time) []types.Action {
	decision := d.router.PathTo(router.ForNode(ch.Source), now)
	if decision.Kind != router.DecisionForward {
		return nil
	}
	if !d.pubsub.CheckSticky(ch, decision.Via, now) {
		return nil
	}
	uuidVal, ok := d.pubsub.UUIDFor(ch)
	if !ok {
		return nil
	}
	d.pubsub.BeginReroute(ch, decision.Via, now)
	payload := wire.EncodePubSubSub(ch, uuidVal)
	return []types.Action{d.send(decision.Via, types.Frame{Service: types.ServicePubSub, Payload: payload})}
}

func (d *Dispatcher) onPubSubSubOk(ch types.Channel, uuid64 uint64) []types.Action {
	downs, mismatch, oldUpstream, hadOld := d.pubsub.OnSubOkReceived(ch, uuid64)
	if mismatch {
		return nil
	}
	var actions []types.Action
	if hadOld {
		unsubPayload := wire.EncodePubSubSub(ch, 0)
		actions = append(actions, d.send(oldUpstream, types.Frame{Service: types.ServicePubSub, Flags: types.FlagReserved, Payload: unsubPayload}))
	}
	payload := wire.EncodePubSubSub(ch, uuid64)
	for _, down := range downs {
		actions = append(actions, d.send(down, types.Frame{Service: types.ServicePubSub, Flags: types.FlagAck, Payload: payload}))
	}
	return actions
}

func (d *Dispatcher) onPubSubUnsub(ch types.Channel, from types.ConnId) []types.Action {
	via, hadUpstream := d.pubsub.OldUpstream(ch)
	if hadUpstream && from == via {
		return d.forcePubSubUnsub(ch)
	}
	last, forward := d.pubsub.OnUnsubReceived(ch, from)
	if !last || !forward || !hadUpstream {
		return nil
	}
	payload := wire.EncodePubSubSub(ch, 0)
	return []types.Action{d.send(via, types.Frame{Service: types.ServicePubSub, Flags: types.FlagReserved, Payload: payload})}
}

// forcePubSubUnsub is forceKVUnsub's channel-subscription counterpart:
// a synthetic Unsub arriving from this node's own upstream cascades to
// every downstream, or surfaces to the local application at the leaf.
func (d *Dispatcher) forcePubSubUnsub(ch types.Channel) []types.Action {
	return d.announcePubSubLoss(ch, d.pubsub.Teardown(ch))
}

// announcePubSubLoss is announceKVLoss's channel-subscription counterpart.
func (d *Dispatcher) announcePubSubLoss(ch types.Channel, downs []types.ConnId) []types.Action {
	if len(downs) == 0 {
		return []types.Action{{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventPubSubSubscriptionLost, Channel: ch}}}
	}
	payload := wire.EncodePubSubSub(ch, 0)
	actions := make([]types.Action, 0, len(downs))
	for _, down := range downs {
		actions = append(actions, d.send(down, types.Frame{Service: types.ServicePubSub, Flags: types.FlagReserved, Payload: payload}))
	}
	return actions
}

func (d *Dispatcher) doPubSubSubscribe(cmd types.Command, now time.Time) []types.Action {
	uuidVal := newUUID64()
	if !d.pubsub.SubscribeLocal(cmd.Channel, uuidVal, now) {
		return nil
	}
	decision := d.router.PathTo(router.ForNode(cmd.Channel.Source), now)
	if decision.Kind != router.DecisionForward {
		return nil
	}
	d.pubsub.BeginReroute(cmd.Channel, decision.Via, now)
	frame := types.Frame{Service: types.ServicePubSub, Payload: wire.EncodePubSubSub(cmd.Channel, uuidVal)}
	return []types.Action{d.send(decision.Via, frame)}
}

func (d *Dispatcher) doPubSubUnsubscribe(cmd types.Command, now time.Time) []types.Action {
	via, hadUpstream := d.pubsub.OldUpstream(cmd.Channel)
	last, forward := d.pubsub.UnsubscribeLocal(cmd.Channel)
	if !last || !forward || !hadUpstream {
		return nil
	}
	payload := wire.EncodePubSubSub(cmd.Channel, 0)
	return []types.Action{d.send(via, types.Frame{Service: types.ServicePubSub, Flags: types.FlagReserved, Payload: payload})}
}

func (d *Dispatcher) doPubSubPublish(cmd types.Command, now time.Time) []types.Action {
	downs := d.pubsub.OnData(cmd.Channel, types.ConnId{})
	var actions []types.Action
	payload := wire.EncodePubSubData(cmd.Channel, cmd.Data)
	for _, down := range downs {
		actions = append(actions, d.send(down, types.Frame{Service: types.ServicePubSub, Flags: types.FlagBroadcast, Payload: payload}))
	}
	return actions
}

// --- Node-Alias ------------------------------------------------------------
//
// FlagBroadcast marks Register, FlagBroadcast|FlagReserved marks
// Unregister (same 13-byte payload shape, propagated the same way),
// FlagAck marks ScanReply. Scan itself needs no flag since its 8-byte
// payload is already unambiguous.

func (d *Dispatcher) onAliasFrame(from types.ConnId, f types.Frame, now time.Time) []types.Action {
	switch {
	case f.Flags.Has(types.FlagBroadcast) && f.Flags.Has(types.FlagReserved):
		alias64, owner, hops, err := wire.DecodeAliasRegister(f.Payload)
		if err != nil {
			log.Debug("malformed alias unregister frame", "err", err)
			return nil
		}
		if !d.aliasDir.OnUnregisterBroadcast(alias64, owner, hops) {
			return nil
		}
		var actions []types.Action
		payload := wire.EncodeAliasRegister(alias64, owner, hops-1)
		for _, conn := range d.registry.IterActive() {
			if conn == from {
				continue
			}
			actions = append(actions, d.send(conn, types.Frame{Service: types.ServiceNodeAlias, Flags: types.FlagBroadcast | types.FlagReserved, Payload: payload}))
		}
		return actions

	case f.Flags.Has(types.FlagBroadcast):
		alias64, owner, hops, err := wire.DecodeAliasRegister(f.Payload)
		if err != nil {
			log.Debug("malformed alias register frame", "err", err)
			return nil
		}
		if !d.aliasDir.OnRegisterBroadcast(alias64, owner, from, hops, now) {
			return nil
		}
		var actions []types.Action
		payload := wire.EncodeAliasRegister(alias64, owner, hops-1)
		for _, conn := range d.registry.IterActive() {
			if conn == from {
				continue
			}
			actions = append(actions, d.send(conn, types.Frame{Service: types.ServiceNodeAlias, Flags: types.FlagBroadcast, Payload: payload}))
		}
		return actions

	case f.Flags.Has(types.FlagAck):
		alias64, owner, found, err := wire.DecodeAliasScanReply(f.Payload)
		if err != nil {
			log.Debug("malformed alias scan reply", "err", err)
			return nil
		}
		d.cancelRetransmit(featureAlias, alias64)
		if !found {
			return nil
		}
		return []types.Action{{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventAliasResolved, Alias: alias64, Owner: owner}}}

	default:
		alias64, err := wire.DecodeAliasScan(f.Payload)
		if err != nil {
			log.Debug("malformed alias scan frame", "err", err)
			return nil
		}
		owner, answered := d.aliasDir.OnScanReceived(alias64)
		if !answered {
			return nil
		}
		reply := wire.EncodeAliasScanReply(alias64, owner, true)
		return []types.Action{d.send(from, types.Frame{Service: types.ServiceNodeAlias, Flags: types.FlagAck, Payload: reply})}
	}
}

func (d *Dispatcher) doAliasRegister(cmd types.Command, now time.Time) []types.Action {
	d.aliasDir.RegisterLocal(cmd.Alias)
	payload := wire.EncodeAliasRegister(cmd.Alias, d.self, d.aliasDir.HopTTL())
	var actions []types.Action
	for _, conn := range d.registry.IterActive() {
		actions = append(actions, d.send(conn, types.Frame{Service: types.ServiceNodeAlias, Flags: types.FlagBroadcast, Payload: payload}))
	}
	return actions
}

func (d *Dispatcher) doAliasUnregister(cmd types.Command, now time.Time) []types.Action {
	d.aliasDir.UnregisterLocal(cmd.Alias)
	payload := wire.EncodeAliasRegister(cmd.Alias, d.self, d.aliasDir.HopTTL())
	var actions []types.Action
	for _, conn := range d.registry.IterActive() {
		actions = append(actions, d.send(conn, types.Frame{Service: types.ServiceNodeAlias, Flags: types.FlagBroadcast | types.FlagReserved, Payload: payload}))
	}
	return actions
}

func (d *Dispatcher) doAliasLookup(cmd types.Command, now time.Time) []types.Action {
	decision := d.aliasDir.Lookup(cmd.Alias)
	switch decision.Kind {
	case alias.DecisionLocal:
		return []types.Action{{Kind: types.ActionEmit, AppEvent: types.AppEvent{Kind: types.AppEventAliasResolved, Alias: cmd.Alias, Owner: d.self}}}
	case alias.DecisionHint:
		payload := wire.EncodeAliasScan(cmd.Alias)
		frame := types.Frame{Service: types.ServiceNodeAlias, Payload: payload}
		d.scheduleRetransmit(featureAlias, cmd.Alias, decision.Hint, frame, d.cfg.Alias.ScanTimeout.Duration(), d.cfg.Dispatcher.AckTimeoutRetries, now)
		return []types.Action{d.send(decision.Hint, frame)}
	default:
		payload := wire.EncodeAliasScan(cmd.Alias)
		var actions []types.Action
		for _, conn := range d.registry.IterActive() {
			actions = append(actions, d.send(conn, types.Frame{Service: types.ServiceNodeAlias, Payload: payload}))
		}
		return actions
	}
}

func (d *Dispatcher) onCommand(cmd types.Command, now time.Time) []types.Action {
	switch cmd.Kind {
	case types.CommandKVSet:
		return d.doKVSet(cmd, now)
	case types.CommandKVDel:
		return d.doKVDel(cmd, now)
	case types.CommandKVGet:
		return d.doKVGet(cmd, now)
	case types.CommandKVSubscribe:
		return d.doKVSubscribe(cmd, now)
	case types.CommandKVUnsubscribe:
		return d.doKVUnsubscribe(cmd, now)
	case types.CommandPubSubSubscribe:
		return d.doPubSubSubscribe(cmd, now)
	case types.CommandPubSubUnsubscribe:
		return d.doPubSubUnsubscribe(cmd, now)
	case types.CommandPubSubPublish:
		return d.doPubSubPublish(cmd, now)
	case types.CommandAliasRegister:
		return d.doAliasRegister(cmd, now)
	case types.CommandAliasUnregister:
		return d.doAliasUnregister(cmd, now)
	case types.CommandAliasLookup:
		return d.doAliasLookup(cmd, now)
	default:
		return nil
	}
}

// Shutdown best-effort notifies every active neighbor that this node's
// pub/sub subscriptions are going away; the host binary drives these
// Actions through Transport and folds any per-neighbor send failures
// with multierr before exiting.
func (d *Dispatcher) Shutdown(now time.Time) []types.Action {
	var actions []types.Action
	for _, conn := range d.registry.IterActive() {
		for _, ch := range d.pubsub.Snapshot() {
			payload := wire.EncodePubSubSub(ch, 0)
			actions = append(actions, d.send(conn, types.Frame{Service: types.ServicePubSub, Flags: types.FlagAck | types.FlagReserved, Payload: payload}))
		}
	}
	return actions
}
