package routersync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/plane/internal/core/router"
	"github.com/relaymesh/plane/pkg/types"
)

func TestBuildFrame_SplitHorizon(t *testing.T) {
	rt := router.New(router.Config{Self: types.NewNodeID(1, 0, 0, 0), CandidatesPerSlot: 4, MaxHops: 16, RouteEntryTTL: time.Minute})
	now := time.Now()

	viaA := types.ConnId{Remote: types.NewNodeID(2, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}
	viaB := types.ConnId{Remote: types.NewNodeID(3, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}

	require.True(t, rt.Install(0, types.RouteEntry{DestLayerKey: 5, Via: viaA, Hops: 1, Session: 1}, nil, now))
	require.True(t, rt.Install(0, types.RouteEntry{DestLayerKey: 9, Via: viaB, Hops: 1, Session: 1}, nil, now))

	s := NewState()
	s.BeginTick()
	frame := s.BuildFrame(rt, viaA)

	require.Len(t, frame.Items, 1)
	assert.Equal(t, byte(9), frame.Items[0].DestLayerKey)
}

func TestApplyIncoming_ExtendsMetricAndInstalls(t *testing.T) {
	rt := router.New(router.Config{Self: types.NewNodeID(1, 0, 0, 0), CandidatesPerSlot: 4, MaxHops: 16, RouteEntryTTL: time.Minute})
	s := NewState()
	now := time.Now()

	from := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}
	linkMetric := types.LinkMetric{RTTMs: 5, BandwidthKbps: 1000, Cost: 1}
	frame := Frame{
		Epoch: 1,
		Items: []Item{
			{Layer: 0, DestLayerKey: 42, Metric: types.LinkMetric{RTTMs: 10, BandwidthKbps: 500, Cost: 1}, Hops: 1, Session: 1},
		},
	}

	installed := s.ApplyIncoming(rt, from, linkMetric, frame, now)
	assert.Equal(t, 1, installed)

	snap := rt.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint16(15), snap[0].Route.Metric.RTTMs)
	assert.Equal(t, uint32(500), snap[0].Route.Metric.BandwidthKbps)
	assert.Equal(t, uint8(2), snap[0].Route.Hops)
}

func TestBuildFrame_CarriesServicesFromSnapshot(t *testing.T) {
	rt := router.New(router.Config{Self: types.NewNodeID(1, 0, 0, 0), CandidatesPerSlot: 4, MaxHops: 16, RouteEntryTTL: time.Minute})
	now := time.Now()
	via := types.ConnId{Remote: types.NewNodeID(2, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}
	adv := types.AdvertisedServices{types.ServiceAdvertKeyValue: {}, types.ServiceAdvertRPC: {}}
	require.True(t, rt.Install(0, types.RouteEntry{DestLayerKey: 5, Via: via, Hops: 1, Session: 1}, adv, now))

	s := NewState()
	s.BeginTick()
	frame := s.BuildFrame(rt, types.ConnId{})

	require.Len(t, frame.Items, 1)
	assert.Equal(t, adv, frame.Items[0].Services)
}

func TestApplyIncoming_InstallsAdvertisedServices(t *testing.T) {
	rt := router.New(router.Config{Self: types.NewNodeID(1, 0, 0, 0), CandidatesPerSlot: 4, MaxHops: 16, RouteEntryTTL: time.Minute})
	s := NewState()
	now := time.Now()
	from := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}
	svcID := types.ServiceAdvertPubSub

	frame := Frame{Epoch: 1, Items: []Item{
		{Layer: 0, DestLayerKey: 42, Hops: 1, Session: 1, Services: types.AdvertisedServices{svcID: {}}},
	}}
	require.Equal(t, 1, s.ApplyIncoming(rt, from, types.LinkMetric{}, frame, now))

	d := rt.PathTo(router.ForService(svcID), now)
	assert.Equal(t, router.DecisionForward, d.Kind)
	assert.Equal(t, from, d.Via)
}

func TestApplyIncoming_RejectsStaleEpoch(t *testing.T) {
	rt := router.New(router.Config{Self: types.NewNodeID(1, 0, 0, 0), CandidatesPerSlot: 4, MaxHops: 16, RouteEntryTTL: time.Minute})
	s := NewState()
	now := time.Now()
	from := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}

	frame1 := Frame{Epoch: 5, Items: []Item{{Layer: 0, DestLayerKey: 1, Hops: 1, Session: 1}}}
	require.Equal(t, 1, s.ApplyIncoming(rt, from, types.LinkMetric{}, frame1, now))

	frame2 := Frame{Epoch: 4, Items: []Item{{Layer: 0, DestLayerKey: 2, Hops: 1, Session: 1}}}
	assert.Equal(t, 0, s.ApplyIncoming(rt, from, types.LinkMetric{}, frame2, now))

	snap := rt.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, byte(1), snap[0].Slot)
}
