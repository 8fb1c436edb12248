package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/plane/pkg/types"
)

func TestStore_ApplyHighestVersionWins(t *testing.T) {
	s := NewStore()
	key := types.Key{Hash: 1, Subkey: 0}
	source := types.RecordSource{Node: types.NewNodeID(1, 0, 0, 0), Session: 1}

	require.True(t, s.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 1, Value: []byte("a")}))
	require.False(t, s.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 1, Value: []byte("stale-retransmit")}))
	got := s.Get(key, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, []byte("a"), got[0].Value)

	require.True(t, s.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 2, Value: []byte("b")}))
	got = s.Get(key, time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, []byte("b"), got[0].Value)

	require.False(t, s.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 1, Value: []byte("old")}))
}

func TestStore_DistinctSourcesCoexist(t *testing.T) {
	s := NewStore()
	key := types.Key{Hash: 1, Subkey: 0}
	src1 := types.RecordSource{Node: types.NewNodeID(1, 0, 0, 0), Session: 1}
	src2 := types.RecordSource{Node: types.NewNodeID(2, 0, 0, 0), Session: 1}

	require.True(t, s.Apply(types.KeyValueRecord{Key: key, Source: src1, Version: 1, Value: []byte("a")}))
	require.True(t, s.Apply(types.KeyValueRecord{Key: key, Source: src2, Version: 1, Value: []byte("b")}))

	got := s.Get(key, time.Now())
	assert.Len(t, got, 2)
}

func TestStore_Delete(t *testing.T) {
	s := NewStore()
	key := types.Key{Hash: 1, Subkey: 0}
	source := types.RecordSource{Node: types.NewNodeID(1, 0, 0, 0), Session: 1}
	now := time.Now()

	require.True(t, s.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 1, Value: []byte("a")}))
	require.True(t, s.Delete(key, source, 2, now))

	assert.Empty(t, s.Get(key, now))

	// a retransmitted Set with the old, superseded version must not resurrect the value.
	require.False(t, s.Apply(types.KeyValueRecord{Key: key, Source: source, Version: 1, Value: []byte("a")}))
}

func TestReplicaTargets(t *testing.T) {
	key := types.Key{Hash: 0x11223344, Subkey: 7}
	primary, replica := ReplicaTargets(key)
	assert.Equal(t, key, primary)
	assert.Equal(t, uint32(0x11223344^0x80808080), replica.Hash)
	assert.Equal(t, key.Subkey, replica.Subkey)
}

func TestSubscriptions_ForwarderForwardsOnlyFirstSub(t *testing.T) {
	s := NewSubscriptions()
	key := types.Key{Hash: 1}
	downA := types.ConnId{Remote: types.NewNodeID(2, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}

	forward, _, fresh := s.OnSubReceived(key, downA, 100, false)
	assert.True(t, forward)
	assert.False(t, fresh)

	upstream := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}
	s.SetUpstream(key, upstream)

	// a second downstream must not trigger another upstream forward.
	downB := types.ConnId{Remote: types.NewNodeID(3, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	forward2, _, _ := s.OnSubReceived(key, downB, 200, false)
	assert.False(t, forward2)

	downs := s.Downstreams(key, types.ConnId{})
	assert.Len(t, downs, 2)
}

func TestSubscriptions_ClaimIssuesRelaySession(t *testing.T) {
	s := NewSubscriptions()
	key := types.Key{Hash: 1}
	down := types.ConnId{Remote: types.NewNodeID(2, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}

	_, session, fresh := s.OnSubReceived(key, down, 1, true)
	assert.True(t, fresh)
	assert.Equal(t, uint32(1), session)
}

func TestSubscriptions_UnsubTeardownOnLastDownstream(t *testing.T) {
	s := NewSubscriptions()
	key := types.Key{Hash: 1}
	down := types.ConnId{Remote: types.NewNodeID(2, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	upstream := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}

	s.OnSubReceived(key, down, 1, false)
	s.SetUpstream(key, upstream)

	last, forwardUpstream := s.OnUnsubReceived(key, down)
	assert.True(t, last)
	assert.True(t, forwardUpstream)
	assert.Empty(t, s.Downstreams(key, types.ConnId{}))
}

func TestSubscriptions_WithdrawViaTearsDownDependentRelays(t *testing.T) {
	s := NewSubscriptions()
	key := types.Key{Hash: 1}
	down := types.ConnId{Remote: types.NewNodeID(2, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	upstream := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}

	s.OnSubReceived(key, down, 1, false)
	s.SetUpstream(key, upstream)

	torn := s.WithdrawVia(upstream)
	require.Contains(t, torn, key)
	assert.Equal(t, []types.ConnId{down}, torn[key])
}

func TestSubscriptions_SessionLocking(t *testing.T) {
	s := NewSubscriptions()
	key := types.Key{Hash: 1}
	s.ConfirmLeafSession(key, 7)
	assert.True(t, s.AcceptsSession(key, 7))
	assert.False(t, s.AcceptsSession(key, 8))
}

func TestSubscriptions_TeardownReturnsDownstreamsAndClearsState(t *testing.T) {
	s := NewSubscriptions()
	key := types.Key{Hash: 1}
	down := types.ConnId{Remote: types.NewNodeID(2, 0, 0, 0), Direction: types.DirInbound, Epoch: 1}
	upstream := types.ConnId{Remote: types.NewNodeID(9, 0, 0, 0), Direction: types.DirOutbound, Epoch: 1}

	s.OnSubReceived(key, down, 1, false)
	s.SetUpstream(key, upstream)
	s.ConfirmLeafSession(key, 1)

	torn := s.Teardown(key)
	assert.Equal(t, []types.ConnId{down}, torn)
	assert.Empty(t, s.Downstreams(key, types.ConnId{}))
	assert.False(t, s.AcceptsSession(key, 1))
	assert.Nil(t, s.Teardown(key))
}
