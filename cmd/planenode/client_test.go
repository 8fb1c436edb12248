package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/plane/config"
	"github.com/relaymesh/plane/internal/core/dispatcher"
	"github.com/relaymesh/plane/internal/host"
	"github.com/relaymesh/plane/internal/metrics"
	"github.com/relaymesh/plane/internal/transport/loopback"
	"github.com/relaymesh/plane/pkg/types"
)

func newTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	cfg := config.NewConfig()
	cfg.NodeID = types.NodeID(1)
	d := dispatcher.New(cfg, nil, time.Now())
	transport := loopback.New(loopback.NewHub(), cfg.NodeID, types.Endpoint{})
	rt := host.New(cfg.NodeID, d, transport, metrics.NewCollector(), host.WithMetricsInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = rt.Run(ctx) }()

	return NewClient(rt, time.Second), func() {
		cancel()
		_ = transport.Close()
	}
}

func TestClient_GetReturnsAfterSet(t *testing.T) {
	client, stop := newTestClient(t)
	defer stop()

	key := types.Key{Hash: 0x11223344}
	client.Set(key, []byte("value"), 1, 0)

	// Set is fire-and-forget; give the run loop a moment to apply it
	// before racing the replica-fan-in Get against it.
	time.Sleep(50 * time.Millisecond)

	rec, err := client.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), rec.Value)
}

func TestClient_GetTimesOutWhenAbsent(t *testing.T) {
	client, stop := newTestClient(t)
	defer stop()

	_, err := client.Get(context.Background(), types.Key{Hash: 0xdeadbeef})
	require.Error(t, err)
}
