// Package alias 实现设计文档 4.7 节的节点别名特性：广播注册、位置
// 提示与扫描回退三段式解析，弱一致性、按到达顺序的最后写入者胜出。
package alias

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("alias")

// hintCacheCapacity bounds the number of learned location hints a
// Directory retains. Hints are opportunistic (relearned on the next
// Scan when evicted), so a fixed-size, least-recently-used cache is
// the right retention policy rather than unbounded growth.
const hintCacheCapacity = 4096

// Directory holds this node's view of the alias namespace: aliases it
// owns locally, and location hints learned from Register/Unregister
// broadcasts that passed through this node.
type Directory struct {
	self   types.NodeID
	hopTTL uint8

	owned map[uint64]struct{}
	hints *lru.Cache[uint64, types.AliasRecord]
}

// New constructs an empty Directory. hopTTL is the broadcast TTL used
// for locally originated Register/Unregister frames (default 6).
func New(self types.NodeID, hopTTL uint8) *Directory {
	if hopTTL == 0 {
		hopTTL = 6
	}
	hints, err := lru.New[uint64, types.AliasRecord](hintCacheCapacity)
	if err != nil {
		// only returns an error for a non-positive size.
		panic(err)
	}
	return &Directory{
		self:   self,
		hopTTL: hopTTL,
		owned:  make(map[uint64]struct{}),
		hints:  hints,
	}
}

// HopTTL returns the configured broadcast TTL for locally originated frames.
func (d *Directory) HopTTL() uint8 { return d.hopTTL }

// RegisterLocal claims alias for this node.
func (d *Directory) RegisterLocal(alias uint64) { d.owned[alias] = struct{}{} }

// UnregisterLocal releases a locally owned alias.
func (d *Directory) UnregisterLocal(alias uint64) { delete(d.owned, alias) }

// IsLocallyOwned reports whether this node owns alias.
func (d *Directory) IsLocallyOwned(alias uint64) bool {
	_, ok := d.owned[alias]
	return ok
}

// OnRegisterBroadcast processes an inbound Register(alias, owner)
// arriving on from with remainingHops left to travel. It updates the
// location hint (last-writer-wins by receipt order, 4.7) and reports
// whether the caller should keep propagating the broadcast.
func (d *Directory) OnRegisterBroadcast(alias uint64, owner types.NodeID, from types.ConnId, remainingHops uint8, now time.Time) (forward bool) {
	if owner == d.self {
		// our own broadcast looped back (should not happen with split
		// horizon at the dispatcher, but never re-adopt a hint pointing
		// to ourselves).
		return false
	}
	d.hints.Add(alias, types.AliasRecord{
		Alias:        alias,
		Owner:        owner,
		LastSeenFrom: from,
		RegisteredAt: now,
	})
	return remainingHops > 0
}

// OnUnregisterBroadcast processes an inbound Unregister(alias)
// arriving on from with remainingHops left. It clears any hint for
// alias whose owner matches (a stale Unregister racing behind a newer
// Register from a different owner must not clobber it) and reports
// whether to keep propagating.
func (d *Directory) OnUnregisterBroadcast(alias uint64, owner types.NodeID, remainingHops uint8) (forward bool) {
	if hint, ok := d.hints.Peek(alias); ok && hint.Owner == owner {
		d.hints.Remove(alias)
	}
	return remainingHops > 0
}

// DecisionKind identifies which strategy Lookup should use next.
type DecisionKind int

const (
	// DecisionLocal means the alias is owned by this node.
	DecisionLocal DecisionKind = iota
	// DecisionHint means a location hint exists; scan it before broadcasting.
	DecisionHint
	// DecisionBroadcastScan means no hint exists; broadcast Scan with TTL.
	DecisionBroadcastScan
)

// LookupDecision is the result of consulting the directory for alias.
type LookupDecision struct {
	Kind DecisionKind
	Hint types.ConnId
}

// Lookup implements the three-step algorithm of 4.7.
func (d *Directory) Lookup(alias uint64) LookupDecision {
	if d.IsLocallyOwned(alias) {
		return LookupDecision{Kind: DecisionLocal}
	}
	if hint, ok := d.hints.Get(alias); ok {
		return LookupDecision{Kind: DecisionHint, Hint: hint.LastSeenFrom}
	}
	return LookupDecision{Kind: DecisionBroadcastScan}
}

// OnScanReceived answers an inbound Scan(alias): it returns this node
// and true when the alias is owned locally, the hinted owner and true
// when a location hint is cached, and false otherwise.
func (d *Directory) OnScanReceived(alias uint64) (owner types.NodeID, answered bool) {
	if d.IsLocallyOwned(alias) {
		return d.self, true
	}
	if hint, ok := d.hints.Get(alias); ok {
		return hint.Owner, true
	}
	return types.EmptyNodeID, false
}

// Len returns the combined count of locally owned aliases and learned
// hints, for metrics collection.
func (d *Directory) Len() int { return len(d.owned) + d.hints.Len() }

// WithdrawVia drops every hint learned via a connection that just died,
// so a subsequent lookup falls back to broadcast scan instead of
// scanning a dead link.
func (d *Directory) WithdrawVia(via types.ConnId) {
	for _, alias := range d.hints.Keys() {
		if hint, ok := d.hints.Peek(alias); ok && hint.LastSeenFrom == via {
			d.hints.Remove(alias)
		}
	}
}
