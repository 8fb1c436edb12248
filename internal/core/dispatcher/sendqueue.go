// Package dispatcher implements the plane dispatcher of §4.8/§5: the
// single-threaded event loop that ticks subsystems, routes inbound
// frames by service id, and owns the outbound queue.
package dispatcher

import (
	"github.com/relaymesh/plane/pkg/types"
)

// priority ranks a service id's frames for overflow eviction: lower
// value is evicted first. Pub/Sub Data is the least important frame on
// the wire (a missed publish is superseded by the next one); the
// control-plane services that keep the overlay itself coherent rank
// above every application-facing feature.
func priority(svc types.ServiceID) int {
	switch svc {
	case types.ServicePubSub:
		return 0
	case types.ServiceKeyValue:
		return 1
	case types.ServiceNodeAlias:
		return 2
	case types.ServiceManualDiscoveryControl:
		return 3
	case types.ServiceRouterSync:
		return 4
	case types.ServiceKeepalive:
		return 5
	default:
		return 1
	}
}

// queuedFrame is one entry in a connection's outbound queue.
type queuedFrame struct {
	frame types.Frame
	acked bool
}

// SendQueue is the bounded, priority-aware outbound queue for a single
// connection (§5: "per-connection send queue is bounded, default 1024
// frames; overflow drops the oldest non-acked frame of the
// lowest-priority feature").
type SendQueue struct {
	cap   int
	items []queuedFrame
}

// NewSendQueue constructs a queue with the given capacity.
func NewSendQueue(capacity int) *SendQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &SendQueue{cap: capacity}
}

// Push enqueues a frame, evicting the oldest non-acked, lowest-priority
// entry if the queue is at capacity. It returns the frame that was
// dropped, if any.
func (q *SendQueue) Push(f types.Frame) (dropped types.Frame, didDrop bool) {
	if len(q.items) >= q.cap {
		if idx, ok := q.evictionCandidate(); ok {
			dropped = q.items[idx].frame
			didDrop = true
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		}
	}
	q.items = append(q.items, queuedFrame{frame: f})
	return dropped, didDrop
}

// evictionCandidate finds the oldest entry among the lowest-priority
// non-acked frames currently queued.
func (q *SendQueue) evictionCandidate() (int, bool) {
	best := -1
	bestPriority := 0
	for i, it := range q.items {
		if it.acked {
			continue
		}
		p := priority(it.frame.Service)
		if best == -1 || p < bestPriority {
			best = i
			bestPriority = p
		}
	}
	return best, best != -1
}

// MarkAcked flags every queued frame of svc as acknowledged, exempting
// it from future eviction (it will still be popped in order for
// sending, but is protected from overflow drops until sent).
func (q *SendQueue) MarkAcked(svc types.ServiceID) {
	for i := range q.items {
		if q.items[i].frame.Service == svc {
			q.items[i].acked = true
		}
	}
}

// Pop removes and returns the oldest queued frame.
func (q *SendQueue) Pop() (types.Frame, bool) {
	if len(q.items) == 0 {
		return types.Frame{}, false
	}
	f := q.items[0].frame
	q.items = q.items[1:]
	return f, true
}

// Len reports how many frames are currently queued.
func (q *SendQueue) Len() int { return len(q.items) }
