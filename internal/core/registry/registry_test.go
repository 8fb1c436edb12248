package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/plane/pkg/types"
)

func newTestRegistry() *Registry {
	return New(Config{
		Self:              types.NewNodeID(1, 1, 1, 1),
		KeepaliveInterval: time.Second,
		MaxMissedProbes:   3,
	})
}

func TestOnConnected_RejectsSelf(t *testing.T) {
	r := newTestRegistry()
	self := types.NewNodeID(1, 1, 1, 1)
	_, _, err := r.OnConnected(self, types.DirInbound, time.Now())
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestOnConnected_FirstConnectionWins(t *testing.T) {
	r := newTestRegistry()
	remote := types.NewNodeID(2, 2, 2, 2)
	now := time.Now()

	id, evicted, err := r.OnConnected(remote, types.DirOutbound, now)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, remote, id.Remote)
	assert.Equal(t, 1, r.Len())
}

func TestOnConnected_OutboundBeatsInbound(t *testing.T) {
	r := newTestRegistry()
	remote := types.NewNodeID(2, 2, 2, 2)
	now := time.Now()

	inboundID, _, err := r.OnConnected(remote, types.DirInbound, now)
	require.NoError(t, err)

	outboundID, evicted, err := r.OnConnected(remote, types.DirOutbound, now)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, inboundID, evicted[0])
	assert.Equal(t, 1, r.Len())

	_, ok := r.Lookup(outboundID)
	assert.True(t, ok)
	_, ok = r.Lookup(inboundID)
	assert.False(t, ok)
}

func TestOnConnected_SecondInboundLosesTieBreak(t *testing.T) {
	r := newTestRegistry()
	remote := types.NewNodeID(2, 2, 2, 2)
	now := time.Now()

	_, _, err := r.OnConnected(remote, types.DirOutbound, now)
	require.NoError(t, err)

	loserID, evicted, err := r.OnConnected(remote, types.DirInbound, now)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, loserID, evicted[0])
	assert.Equal(t, 1, r.Len())
}

func TestOnDisconnected(t *testing.T) {
	r := newTestRegistry()
	remote := types.NewNodeID(2, 2, 2, 2)
	id, _, err := r.OnConnected(remote, types.DirOutbound, time.Now())
	require.NoError(t, err)

	assert.True(t, r.OnDisconnected(id))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.OnDisconnected(id))
}

func TestOnMeasurement(t *testing.T) {
	r := newTestRegistry()
	remote := types.NewNodeID(2, 2, 2, 2)
	now := time.Now()
	id, _, err := r.OnConnected(remote, types.DirOutbound, now)
	require.NoError(t, err)

	metric := types.LinkMetric{RTTMs: 20, BandwidthKbps: 1000, LossPermille: 1, Cost: 1}
	ok := r.OnMeasurement(id, metric, now.Add(time.Millisecond))
	require.True(t, ok)

	got, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, metric, got)
}

func TestPollLiveness_ProbesThenKills(t *testing.T) {
	r := newTestRegistry()
	remote := types.NewNodeID(2, 2, 2, 2)
	now := time.Now()
	id, _, err := r.OnConnected(remote, types.DirOutbound, now)
	require.NoError(t, err)

	// three consecutive missed windows should kill the link.
	t1 := now.Add(time.Second)
	probe, dead := r.PollLiveness(t1)
	assert.Equal(t, []types.ConnId{id}, probe)
	assert.Empty(t, dead)

	t2 := t1.Add(time.Second)
	probe, dead = r.PollLiveness(t2)
	assert.Equal(t, []types.ConnId{id}, probe)
	assert.Empty(t, dead)

	t3 := t2.Add(time.Second)
	probe, dead = r.PollLiveness(t3)
	assert.Empty(t, probe)
	assert.Equal(t, []types.ConnId{id}, dead)
	assert.Equal(t, 0, r.Len())
}

func TestPollLiveness_MeasurementResetsMissed(t *testing.T) {
	r := newTestRegistry()
	remote := types.NewNodeID(2, 2, 2, 2)
	now := time.Now()
	id, _, err := r.OnConnected(remote, types.DirOutbound, now)
	require.NoError(t, err)

	t1 := now.Add(time.Second)
	r.PollLiveness(t1)

	r.OnMeasurement(id, types.LinkMetric{}, t1.Add(time.Millisecond))

	t2 := t1.Add(time.Second).Add(time.Millisecond)
	probe, dead := r.PollLiveness(t2)
	assert.Equal(t, []types.ConnId{id}, probe)
	assert.Empty(t, dead)
	assert.Equal(t, 1, r.Len())
}

func TestIterActive_Sorted(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()
	_, _, err := r.OnConnected(types.NewNodeID(3, 0, 0, 0), types.DirOutbound, now)
	require.NoError(t, err)
	_, _, err = r.OnConnected(types.NewNodeID(2, 0, 0, 0), types.DirOutbound, now)
	require.NoError(t, err)

	active := r.IterActive()
	require.Len(t, active, 2)
	assert.True(t, active[0].String() <= active[1].String())
}
