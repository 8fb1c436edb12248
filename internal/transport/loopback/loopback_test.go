package loopback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/plane/pkg/types"
)

func TestTransport_DialDeliversConnUpBothSides(t *testing.T) {
	hub := NewHub()
	a := New(hub, types.NodeID(1), types.Endpoint{Scheme: "loopback", Host: "1", Port: 1})
	b := New(hub, types.NodeID(2), types.Endpoint{Scheme: "loopback", Host: "2", Port: 2})

	err := a.Dial(context.Background(), types.NodeAddress{ID: types.NodeID(2)})
	require.NoError(t, err)

	upA := <-a.Events()
	require.Equal(t, types.EventConnUp, upA.Kind)
	require.Equal(t, types.NodeID(2), upA.Conn.Remote)
	require.Equal(t, types.DirOutbound, upA.Direction)

	upB := <-b.Events()
	require.Equal(t, types.EventConnUp, upB.Kind)
	require.Equal(t, types.NodeID(1), upB.Conn.Remote)
	require.Equal(t, types.DirInbound, upB.Direction)
}

func TestTransport_DialUnknownPeerFails(t *testing.T) {
	hub := NewHub()
	a := New(hub, types.NodeID(1), types.Endpoint{})
	err := a.Dial(context.Background(), types.NodeAddress{ID: types.NodeID(99)})
	require.Error(t, err)
}

func TestTransport_SendDeliversFrameToPeer(t *testing.T) {
	hub := NewHub()
	a := New(hub, types.NodeID(1), types.Endpoint{})
	b := New(hub, types.NodeID(2), types.Endpoint{})
	require.NoError(t, a.Dial(context.Background(), types.NodeAddress{ID: types.NodeID(2)}))
	<-a.Events()
	<-b.Events()

	frame := types.Frame{Service: types.ServiceKeepalive, Payload: []byte("ping")}
	require.NoError(t, a.Send(types.ConnId{Remote: types.NodeID(2)}, frame))

	ev := <-b.Events()
	require.Equal(t, types.EventFrame, ev.Kind)
	require.Equal(t, types.NodeID(1), ev.Conn.Remote)
	require.Equal(t, frame.Payload, ev.Frame.Payload)
}

func TestTransport_SendToDeadPeerErrors(t *testing.T) {
	hub := NewHub()
	a := New(hub, types.NodeID(1), types.Endpoint{})
	err := a.Send(types.ConnId{Remote: types.NodeID(42)}, types.Frame{})
	require.Error(t, err)
}

func TestTransport_DisconnectNotifiesPeer(t *testing.T) {
	hub := NewHub()
	a := New(hub, types.NodeID(1), types.Endpoint{})
	b := New(hub, types.NodeID(2), types.Endpoint{})
	require.NoError(t, a.Dial(context.Background(), types.NodeAddress{ID: types.NodeID(2)}))
	<-a.Events()
	<-b.Events()

	require.NoError(t, a.Disconnect(types.ConnId{Remote: types.NodeID(2)}))
	down := <-b.Events()
	require.Equal(t, types.EventConnDown, down.Kind)
	require.Equal(t, types.NodeID(1), down.Conn.Remote)
}

func TestTransport_CloseUnregistersFromHub(t *testing.T) {
	hub := NewHub()
	a := New(hub, types.NodeID(1), types.Endpoint{})
	require.NoError(t, a.Close())

	_, ok := hub.lookup(types.NodeID(1))
	require.False(t, ok)

	// Close must be idempotent.
	require.NoError(t, a.Close())
}
