// Package loopback provides an in-process Transport implementation
// used by cmd/planenode when no real network path is configured
// (single-process demos, and the composition root's own smoke test).
// Wire-level transport is out of this repository's scope; this is
// deliberately not a network implementation, only enough plumbing
// for several Dispatchers sharing one process to exercise the plane
// against each other, in the spirit of a mock transport test double.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaymesh/plane/pkg/interfaces"
	"github.com/relaymesh/plane/pkg/types"
)

// Hub is the shared in-memory registry every loopback Transport in a
// process dials against, keyed by NodeID.
type Hub struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*Transport
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[types.NodeID]*Transport)}
}

func (h *Hub) register(id types.NodeID, t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[id] = t
}

func (h *Hub) unregister(id types.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
}

func (h *Hub) lookup(id types.NodeID) (*Transport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.nodes[id]
	return t, ok
}

var _ interfaces.Transport = (*Transport)(nil)

// Transport implements interfaces.Transport by delivering frames
// directly into a peer's event channel; conn membership is tracked
// only well enough for Send/Disconnect to no-op on a torn-down peer.
type Transport struct {
	hub       *Hub
	self      types.NodeID
	localAddr types.Endpoint
	events    chan types.Event

	mu     sync.Mutex
	live   map[types.NodeID]*Transport
	closed bool
}

// New constructs a Transport for self and registers it on hub.
func New(hub *Hub, self types.NodeID, addr types.Endpoint) *Transport {
	t := &Transport{
		hub:       hub,
		self:      self,
		localAddr: addr,
		events:    make(chan types.Event, 256),
		live:      make(map[types.NodeID]*Transport),
	}
	hub.register(self, t)
	return t
}

// Dial connects to addr.ID if it is registered on the same Hub.
func (t *Transport) Dial(ctx context.Context, addr types.NodeAddress) error {
	peer, ok := t.hub.lookup(addr.ID)
	if !ok {
		return fmt.Errorf("loopback: no node registered for %s", addr.ID)
	}
	t.markLive(addr.ID, peer)
	peer.markLive(t.self, t)

	t.deliver(types.Event{Kind: types.EventConnUp, Conn: types.ConnId{Remote: addr.ID}, Direction: types.DirOutbound})
	peer.deliver(types.Event{Kind: types.EventConnUp, Conn: types.ConnId{Remote: t.self}, Direction: types.DirInbound})
	return nil
}

func (t *Transport) markLive(remote types.NodeID, peer *Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[remote] = peer
}

// Send delivers frame to conn.Remote's event channel as an inbound
// frame, tagged with this node's own identity so the receiver's host
// loop can resolve it against its own current ConnId for the sender.
func (t *Transport) Send(conn types.ConnId, frame types.Frame) error {
	t.mu.Lock()
	peer, ok := t.live[conn.Remote]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: no live peer %s", conn.Remote)
	}
	peer.deliver(types.Event{Kind: types.EventFrame, Conn: types.ConnId{Remote: t.self}, Frame: frame})
	return nil
}

// Disconnect tears down the local half of the link and notifies the peer.
func (t *Transport) Disconnect(conn types.ConnId) error {
	t.mu.Lock()
	peer, ok := t.live[conn.Remote]
	delete(t.live, conn.Remote)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	peer.mu.Lock()
	delete(peer.live, t.self)
	peer.mu.Unlock()
	peer.deliver(types.Event{Kind: types.EventConnDown, Conn: types.ConnId{Remote: t.self}})
	return nil
}

// Events returns the inbound event stream.
func (t *Transport) Events() <-chan types.Event { return t.events }

// LocalAddr returns the endpoint this transport was constructed with.
func (t *Transport) LocalAddr() types.Endpoint { return t.localAddr }

// Close unregisters from the Hub and stops accepting deliveries.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.hub.unregister(t.self)
	close(t.events)
	return nil
}

func (t *Transport) deliver(ev types.Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	defer func() { recover() }() // send on closed channel raced with Close
	t.events <- ev
}
