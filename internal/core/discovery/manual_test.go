package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/plane/pkg/types"
)

func seedAddr(id byte) types.NodeAddress {
	return types.NodeAddress{
		ID:        types.NewNodeID(id, 0, 0, 0),
		Endpoints: []types.Endpoint{{Scheme: "udp", Host: "10.0.0.1", Port: 4000}},
	}
}

func TestPendingDials_ImmediateOnStart(t *testing.T) {
	now := time.Now()
	cfg := Config{
		Seeds:          []types.NodeAddress{seedAddr(2), seedAddr(3)},
		ReattemptEvery: 30 * time.Second,
		BackoffBase:    30 * time.Second,
		BackoffMax:     5 * time.Minute,
	}
	m := New(cfg, now)
	dials := m.PendingDials(now)
	assert.Len(t, dials, 2)
}

func TestPendingDials_ConnectedSeedSkipped(t *testing.T) {
	now := time.Now()
	cfg := Config{
		Seeds:          []types.NodeAddress{seedAddr(2)},
		ReattemptEvery: 30 * time.Second,
		BackoffBase:    30 * time.Second,
		BackoffMax:     5 * time.Minute,
	}
	m := New(cfg, now)
	m.OnConnected(types.NewNodeID(2, 0, 0, 0))

	// the queue entry is popped and, being connected, dropped from the
	// queue instead of re-pushed; it is absent from the returned dial list.
	dials := m.PendingDials(now)
	assert.Empty(t, dials)
}

func TestOnDisconnected_ReschedulesWithResetBackoff(t *testing.T) {
	now := time.Now()
	cfg := Config{
		Seeds:          []types.NodeAddress{seedAddr(2)},
		ReattemptEvery: 30 * time.Second,
		BackoffBase:    30 * time.Second,
		BackoffMax:     5 * time.Minute,
	}
	m := New(cfg, now)
	m.OnConnected(types.NewNodeID(2, 0, 0, 0))
	m.PendingDials(now) // connected seed is popped and dropped, backoff untouched

	m.OnDisconnected(types.NewNodeID(2, 0, 0, 0), now)
	deadline, ok := m.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), deadline)

	dials := m.PendingDials(now.Add(30 * time.Second))
	assert.Len(t, dials, 1)
}

func TestBackoffCapsAtMax(t *testing.T) {
	now := time.Now()
	cfg := Config{
		Seeds:          []types.NodeAddress{seedAddr(2)},
		ReattemptEvery: time.Second,
		BackoffBase:    time.Minute,
		BackoffMax:     5 * time.Minute,
	}
	m := New(cfg, now)
	t0 := now
	for i := 0; i < 10; i++ {
		dials := m.PendingDials(t0)
		if len(dials) == 0 {
			break
		}
		deadline, _ := m.NextDeadline()
		t0 = deadline
	}
	deadline, ok := m.NextDeadline()
	require.True(t, ok)
	assert.LessOrEqual(t, deadline.Sub(t0), cfg.BackoffMax)
}

func TestAcceptInbound_RequireTagMatch(t *testing.T) {
	cfg := Config{LocalTags: []string{"region-a"}, RequireTagMatch: true}
	m := New(cfg, time.Now())
	assert.True(t, m.AcceptInbound([]string{"region-a", "extra"}))
	assert.False(t, m.AcceptInbound([]string{"region-b"}))
}

func TestAcceptInbound_NoRequireAlwaysAccepts(t *testing.T) {
	cfg := Config{LocalTags: []string{"region-a"}, RequireTagMatch: false}
	m := New(cfg, time.Now())
	assert.True(t, m.AcceptInbound([]string{"region-z"}))
}
