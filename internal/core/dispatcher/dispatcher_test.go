package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/plane/config"
	"github.com/relaymesh/plane/internal/core/alias"
	"github.com/relaymesh/plane/internal/core/router"
	"github.com/relaymesh/plane/pkg/types"
	"github.com/relaymesh/plane/pkg/wire"
)

func newTestDispatcher(t *testing.T, node types.NodeID) *Dispatcher {
	t.Helper()
	cfg := config.NewConfig()
	cfg.NodeID = node
	return New(cfg, nil, time.Unix(0, 0))
}

// connect wires up a and b as directly connected neighbors and returns
// each side's ConnId for the other.
func connect(t *testing.T, a, b *Dispatcher, now time.Time) (aToB, bToA types.ConnId) {
	t.Helper()
	// Each side immediately answers EventConnUp with a discovery tag
	// handshake frame; neither side rejects the other's tags by default.
	a.Step(types.Event{Kind: types.EventConnUp, Now: now, Conn: types.ConnId{Remote: b.self}, Direction: types.DirOutbound})
	b.Step(types.Event{Kind: types.EventConnUp, Now: now, Conn: types.ConnId{Remote: a.self}, Direction: types.DirInbound})

	for _, id := range a.registry.IterActive() {
		if id.Remote == b.self {
			aToB = id
		}
	}
	for _, id := range b.registry.IterActive() {
		if id.Remote == a.self {
			bToA = id
		}
	}
	return aToB, bToA
}

func TestDispatcher_ConnUpRegistersLink(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	now := time.Unix(0, 0)

	aToB, bToA := connect(t, a, b, now)
	assert.False(t, aToB.IsZero())
	assert.False(t, bToA.IsZero())
	assert.Equal(t, 1, a.registry.Len())
	assert.Equal(t, 1, b.registry.Len())
}

func TestDispatcher_ConnDownWithdrawsRouterState(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	now := time.Unix(0, 0)
	aToB, _ := connect(t, a, b, now)

	actions := a.Step(types.Event{Kind: types.EventConnDown, Now: now, Conn: aToB})
	assert.Nil(t, actions)
	assert.Equal(t, 0, a.registry.Len())
}

func TestDispatcher_KeepaliveTicksProbeThenKillLink(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	now := time.Unix(0, 0)
	connect(t, a, b, now)

	interval := a.registry.KeepaliveInterval()
	maxMissed := a.cfg.Registry.MaxMissedKeepalives

	for i := 0; i < maxMissed; i++ {
		now = now.Add(interval)
		actions := a.Step(types.Event{Kind: types.EventTick, Now: now})
		if i < maxMissed-1 {
			require.NotEmpty(t, actions)
		}
	}
	assert.Equal(t, 0, a.registry.Len())
}

func TestDispatcher_RouterSyncPropagatesRoute(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	c := newTestDispatcher(t, types.NewNodeID(3, 0, 0, 0))
	now := time.Unix(0, 0)

	connect(t, a, b, now)
	_, cToB := connect(t, b, c, now)

	// b syncs to both neighbors; c should learn a route to a via b.
	now = now.Add(b.cfg.RouterSync.SyncInterval.Duration())
	actions := b.Step(types.Event{Kind: types.EventTick, Now: now})
	for _, act := range actions {
		if act.Kind == types.ActionSend && act.Conn.Remote == c.self {
			c.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: cToB, Frame: act.Frame})
		}
	}

	decision := c.router.PathTo(router.ForNode(a.self), now)
	assert.Equal(t, router.DecisionForward, decision.Kind)
}

func TestDispatcher_KVSetLocalWhenSelfIsClosest(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: uint32(a.self), Subkey: 1}
	cmd := types.Command{Kind: types.CommandKVSet, Key: key, Value: []byte("v1"), Version: 1}
	a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: cmd})

	got := a.kvStore.Get(key, now)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("v1"), got[0].Value)
}

func TestDispatcher_AliasLocalLookupResolvesImmediately(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandAliasRegister, Alias: 42}})
	actions := a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandAliasLookup, Alias: 42}})

	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionEmit, actions[0].Kind)
	assert.Equal(t, types.AppEventAliasResolved, actions[0].AppEvent.Kind)
	assert.Equal(t, a.self, actions[0].AppEvent.Owner)
}

func TestDispatcher_PubSubPublishWithNoSubscribersProducesNothing(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)
	ch := types.Channel{Source: a.self, ChannelID: 7}

	actions := a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandPubSubPublish, Channel: ch, Data: []byte("x")}})
	assert.Empty(t, actions)
}

func TestDispatcher_KVDelRemovesLocalRecord(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: uint32(a.self), Subkey: 1}
	a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVSet, Key: key, Value: []byte("v1"), Version: 1}})
	require.Len(t, a.kvStore.Get(key, now), 1)

	a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVDel, Key: key, Version: 2}})
	assert.Empty(t, a.kvStore.Get(key, now))
}

func TestDispatcher_KVGetLocalReturnsRecordImmediately(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: uint32(a.self), Subkey: 1}
	a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVSet, Key: key, Value: []byte("v1"), Version: 1}})

	actions := a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVGet, Key: key}})
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionEmit, actions[0].Kind)
	assert.Equal(t, types.AppEventKVChanged, actions[0].AppEvent.Kind)
	assert.Equal(t, []byte("v1"), actions[0].AppEvent.Record.Value)
}

func TestDispatcher_KVSubReceivedFromResponsibleNodeAnswersSnapshot(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: uint32(a.self), Subkey: 1}
	a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVSet, Key: key, Value: []byte("v1"), Version: 1}})

	from := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	payload := wire.EncodeKVSub(key, 42)
	actions := a.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: from, Frame: types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast, Payload: payload}})

	require.Len(t, actions, 2)
	subOk := actions[0].Frame
	assert.True(t, subOk.Flags.Has(types.FlagBroadcast) && subOk.Flags.Has(types.FlagAck))
	set := actions[1].Frame
	assert.Equal(t, types.ServiceKeyValue, set.Service)
	_, _, _, _, _, value, err := wire.DecodeKVSet(set.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
}

func TestDispatcher_KVUnsubLocalTearsDownLeafSubscription(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	now := time.Unix(0, 0)
	aToB, _ := connect(t, a, b, now)

	// force a's router to know b as the closest neighbor for key by
	// installing a route directly, bypassing a full router-sync round.
	key := types.Key{Hash: uint32(b.self), Subkey: 1}
	a.router.Install(0, types.RouteEntry{DestLayerKey: key.AsNodeID().Bytes()[0], Via: aToB, Hops: 1, Session: 1}, nil, now)

	subActions := a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVSubscribe, Key: key}})
	require.NotEmpty(t, subActions)

	unsubActions := a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVUnsubscribe, Key: key}})
	require.Len(t, unsubActions, 1)
	frame := unsubActions[0].Frame
	assert.True(t, frame.Flags.Has(types.FlagBroadcast) && frame.Flags.Has(types.FlagReserved))
}

func TestDispatcher_ConnDownCascadesForcedKVUnsubToDownstream(t *testing.T) {
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	c := newTestDispatcher(t, types.NewNodeID(3, 0, 0, 0))
	now := time.Unix(0, 0)
	bToC, _ := connect(t, b, c, now)

	key := types.Key{Hash: 123, Subkey: 1}
	down := types.ConnId{Remote: types.NewNodeID(4, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	b.kvSubs.OnSubReceived(key, down, 1, false)
	b.kvSubs.SetUpstream(key, bToC)

	actions := b.Step(types.Event{Kind: types.EventConnDown, Now: now, Conn: bToC})
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionSend, actions[0].Kind)
	assert.Equal(t, down, actions[0].Conn)
	gotKey, err := wire.DecodeKVUnsub(actions[0].Frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
}

func TestDispatcher_ConnDownAtLeafEmitsSubscriptionLost(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	now := time.Unix(0, 0)
	aToB, _ := connect(t, a, b, now)

	key := types.Key{Hash: uint32(b.self), Subkey: 1}
	a.router.Install(0, types.RouteEntry{DestLayerKey: key.AsNodeID().Bytes()[0], Via: aToB, Hops: 1, Session: 1}, nil, now)
	subActions := a.Step(types.Event{Kind: types.EventCommand, Now: now, Command: types.Command{Kind: types.CommandKVSubscribe, Key: key}})
	require.NotEmpty(t, subActions)

	actions := a.Step(types.Event{Kind: types.EventConnDown, Now: now, Conn: aToB})
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionEmit, actions[0].Kind)
	assert.Equal(t, types.AppEventKVSubscriptionLost, actions[0].AppEvent.Kind)
	assert.Equal(t, key, actions[0].AppEvent.Key)
}

func TestDispatcher_ForcedKVUnsubFromUpstreamCascades(t *testing.T) {
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: 55, Subkey: 1}
	down := types.ConnId{Remote: types.NewNodeID(4, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	up := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}
	b.kvSubs.OnSubReceived(key, down, 1, false)
	b.kvSubs.SetUpstream(key, up)

	payload := wire.EncodeKVUnsub(key)
	actions := b.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: up, Frame: types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagReserved, Payload: payload}})

	require.Len(t, actions, 1)
	assert.Equal(t, down, actions[0].Conn)
	gotKey, err := wire.DecodeKVUnsub(actions[0].Frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	_, hadUpstream := b.kvSubs.Upstream(key)
	assert.False(t, hadUpstream)
}

func TestDispatcher_KVReplicationSyncPushesBackNewerVersion(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: 77, Subkey: 1}
	source := types.RecordSource{Node: types.NewNodeID(5, 0, 0, 0), Session: 1}
	a.kvStore.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 5, Value: []byte("v5")})

	from := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	payload := wire.EncodeKVReplicaSync(key, []wire.ReplicaVectorEntry{{Source: source, Version: 2}})
	actions := a.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: from, Frame: types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagReserved | types.FlagAck, Payload: payload}})

	require.Len(t, actions, 1)
	assert.Equal(t, from, actions[0].Conn)
	_, gotSource, version, _, _, value, err := wire.DecodeKVSet(actions[0].Frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, source, gotSource)
	assert.Equal(t, uint64(5), version)
	assert.Equal(t, []byte("v5"), value)
}

func TestDispatcher_KVReplicationSyncSkipsUpToDateVersion(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: 77, Subkey: 1}
	source := types.RecordSource{Node: types.NewNodeID(5, 0, 0, 0), Session: 1}
	a.kvStore.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 5, Value: []byte("v5")})

	from := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	payload := wire.EncodeKVReplicaSync(key, []wire.ReplicaVectorEntry{{Source: source, Version: 5}})
	actions := a.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: from, Frame: types.Frame{Service: types.ServiceKeyValue, Flags: types.FlagBroadcast | types.FlagReserved | types.FlagAck, Payload: payload}})

	assert.Empty(t, actions)
}

func TestDispatcher_AliasUnregisterBroadcastClearsHint(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	owner := types.NewNodeID(9, 0, 0, 0)
	from := types.ConnId{Remote: owner, Direction: types.DirInbound, Epoch: 1}
	registerPayload := wire.EncodeAliasRegister(77, owner, 3)
	a.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: from, Frame: types.Frame{Service: types.ServiceNodeAlias, Flags: types.FlagBroadcast, Payload: registerPayload}})

	decision := a.aliasDir.Lookup(77)
	require.Equal(t, alias.DecisionHint, decision.Kind)

	unregisterPayload := wire.EncodeAliasRegister(77, owner, 3)
	a.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: from, Frame: types.Frame{Service: types.ServiceNodeAlias, Flags: types.FlagBroadcast | types.FlagReserved, Payload: unregisterPayload}})

	decision = a.aliasDir.Lookup(77)
	assert.Equal(t, alias.DecisionBroadcastScan, decision.Kind)
}

func TestDispatcher_DiscoveryHandshakeRejectsTagMismatch(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	bCfg := config.NewConfig()
	bCfg.NodeID = types.NewNodeID(2, 0, 0, 0)
	bCfg.Discovery.RequireTagMatch = true
	bCfg.Discovery.LocalTags = []string{"core"}
	b := New(bCfg, nil, time.Unix(0, 0))
	now := time.Unix(0, 0)

	aActions := a.Step(types.Event{Kind: types.EventConnUp, Now: now, Conn: types.ConnId{Remote: b.self}, Direction: types.DirOutbound})
	b.Step(types.Event{Kind: types.EventConnUp, Now: now, Conn: types.ConnId{Remote: a.self}, Direction: types.DirInbound})

	var bToA types.ConnId
	for _, id := range b.registry.IterActive() {
		if id.Remote == a.self {
			bToA = id
		}
	}
	require.False(t, bToA.IsZero())

	var aHandshake types.Frame
	for _, act := range aActions {
		if act.Kind == types.ActionSend {
			aHandshake = act.Frame
		}
	}
	require.Equal(t, types.ServiceManualDiscoveryControl, aHandshake.Service)

	result := b.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: bToA, Frame: aHandshake})
	require.Len(t, result, 1)
	assert.Equal(t, types.ActionDisconnect, result[0].Kind)
	assert.Equal(t, 0, b.registry.Len())
}

func TestDispatcher_PubSubDataDeliversAppEventToLocalSubscriber(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)
	ch := types.Channel{Source: types.NewNodeID(9, 0, 0, 0), ChannelID: 1}
	a.pubsub.SubscribeLocal(ch, 42, now)

	upstream := types.ConnId{Remote: ch.Source, Direction: types.DirOutbound, Epoch: 1}
	payload := wire.EncodePubSubData(ch, []byte("hello"))
	actions := a.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: upstream, Frame: types.Frame{Service: types.ServicePubSub, Flags: types.FlagBroadcast, Payload: payload}})

	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionEmit, actions[0].Kind)
	assert.Equal(t, types.AppEventPubSubData, actions[0].AppEvent.Kind)
	assert.Equal(t, ch, actions[0].AppEvent.Channel)
	assert.Equal(t, []byte("hello"), actions[0].AppEvent.Data)
}

func TestDispatcher_PubSubDataFansOutAndDeliversLocallyWhenBothPresent(t *testing.T) {
	b := newTestDispatcher(t, types.NewNodeID(2, 0, 0, 0))
	c := newTestDispatcher(t, types.NewNodeID(3, 0, 0, 0))
	now := time.Unix(0, 0)
	bToC, _ := connect(t, b, c, now)

	ch := types.Channel{Source: types.NewNodeID(9, 0, 0, 0), ChannelID: 5}
	b.pubsub.OnSubReceived(ch, bToC, 1, false, now)
	b.pubsub.SubscribeLocal(ch, 1, now)

	upstream := types.ConnId{Remote: ch.Source, Direction: types.DirOutbound, Epoch: 1}
	payload := wire.EncodePubSubData(ch, []byte("x"))
	actions := b.Step(types.Event{Kind: types.EventFrame, Now: now, Conn: upstream, Frame: types.Frame{Service: types.ServicePubSub, Flags: types.FlagBroadcast, Payload: payload}})

	var sawForward, sawEmit bool
	for _, act := range actions {
		if act.Kind == types.ActionSend && act.Conn == bToC {
			sawForward = true
		}
		if act.Kind == types.ActionEmit && act.AppEvent.Kind == types.AppEventPubSubData {
			sawEmit = true
		}
	}
	assert.True(t, sawForward)
	assert.True(t, sawEmit)
}

func TestDispatcher_RouteToKeyForwardsToServiceWhenLocalStoreDisabled(t *testing.T) {
	cfg := config.NewConfig()
	cfg.NodeID = types.NewNodeID(1, 0, 0, 0)
	cfg.KV.LocalStoreEnabled = false
	a := New(cfg, nil, time.Unix(0, 0))
	now := time.Unix(0, 0)

	// a itself never advertises KeyValue (LocalStoreEnabled is false), so
	// the only way to resolve the capability is via a peer that does.
	assert.Equal(t, router.DecisionDrop, a.router.PathTo(router.ForService(types.ServiceAdvertKeyValue), now).Kind)

	via := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}
	require.True(t, a.router.Install(0, types.RouteEntry{DestLayerKey: 5, Via: via, Hops: 1, Session: 1}, types.AdvertisedServices{types.ServiceAdvertKeyValue: {}}, now))

	// Hash 0 -> AsNodeID() byte 0 at layer 0, but nothing is installed at
	// layer-0 slot 0 (only slot 5), so pathToClosest falls through every
	// layer with no candidate and resolves Local.
	key := types.Key{Hash: 0, Subkey: 1}
	decision := a.routeToKey(key, now)
	assert.Equal(t, router.DecisionForward, decision.Kind)
	assert.Equal(t, via, decision.Via)
}

func TestDispatcher_RouteToKeyStaysLocalWhenStoreEnabled(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)

	key := types.Key{Hash: 0, Subkey: 1}
	decision := a.routeToKey(key, now)
	assert.Equal(t, router.DecisionLocal, decision.Kind)
}

func TestDispatcher_NewAdvertisesDomainServicesLocally(t *testing.T) {
	a := newTestDispatcher(t, types.NewNodeID(1, 0, 0, 0))
	now := time.Unix(0, 0)
	for _, id := range []types.ServiceAdvertID{
		types.ServiceAdvertKeyValue, types.ServiceAdvertPubSub, types.ServiceAdvertNodeAlias, types.ServiceAdvertRPC,
	} {
		assert.Equal(t, router.DecisionLocal, a.router.PathTo(router.ForService(id), now).Kind)
	}
}
