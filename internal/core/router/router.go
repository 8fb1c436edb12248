// Package router 实现设计文档 4.2 节的分层展开路由表（Layers-Spread
// Routing Table）：四张按目的地字节索引的独立表，每个槽位保留若干
// 候选下一跳，按复合度量排序。
package router

import (
	"sort"
	"time"

	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("router")

// NumLayers 与 types.NumLayers 保持一致，四张层表。
const NumLayers = types.NumLayers

// Destination 描述 path_to 的查询目标：三种互斥变体之一。
type Destination struct {
	kind    destKind
	node    types.NodeID
	key     types.Key
	service types.ServiceAdvertID
}

type destKind int

const (
	destNode destKind = iota
	destClosest
	destService
)

// ForNode 构造一个 "转发到具体节点" 的目的地。
func ForNode(id types.NodeID) Destination { return Destination{kind: destNode, node: id} }

// ForClosest 构造一个 "转发到 key 的最近节点" 的目的地（DHT 用）。
func ForClosest(key types.Key) Destination { return Destination{kind: destClosest, key: key} }

// ForService 构造一个 "转发到广告了某服务的节点" 的目的地。
func ForService(id types.ServiceAdvertID) Destination { return Destination{kind: destService, service: id} }

// DecisionKind 标识 path_to 的结果种类。
type DecisionKind int

const (
	// DecisionLocal 表示自己就是目的地/本地具备该能力。
	DecisionLocal DecisionKind = iota
	// DecisionForward 表示应经由某条连接转发。
	DecisionForward
	// DecisionDrop 表示既无路由表项也无本地能力，不可达。
	DecisionDrop
)

// Decision 是 PathTo 的返回值。
type Decision struct {
	Kind DecisionKind
	Via  types.ConnId
}

// entry 是内部持有的候选路由，携带最后刷新时间用于 TTL 淘汰。
type entry struct {
	route       types.RouteEntry
	lastRefresh time.Time
	services    types.AdvertisedServices
}

// slot 是 T[k][b] 一个位置持有的候选集合，Install 时按 hops/metric/via
// 排序，最优在前。
type slot struct {
	entries []*entry
}

// Config 配置一个 Router 实例。
type Config struct {
	Self              types.NodeID
	RouteEntryTTL     time.Duration
	MaxHops           uint8
	CandidatesPerSlot int
}

// Router 是四层展开路由表的持有者，也是本地服务广告表的持有者。
//
// 与调度循环一致的单线程契约：所有导出方法只应从调度循环中调用。
type Router struct {
	self types.NodeID
	ttl  time.Duration
	maxHops uint8
	n       int

	tables [NumLayers][256]slot

	// services 把服务 ID 映射到广告了它的候选路由（跨层复用同一个
	// via->metric 索引，因为服务广告与路由通告在同一批帧中原子更新）。
	services map[types.ServiceAdvertID][]*entry
	// localServices 是本节点自身具备的能力集合。
	localServices map[types.ServiceAdvertID]struct{}

	// lastSessionByVia 记录每个 via 目前已知的最大会话号，用于拒绝
	// 陈旧广播（4.2 插入策略第 1 条）。
	lastSessionByVia map[types.ConnId]uint32
}

// New 构造一个空 Router。
func New(cfg Config) *Router {
	if cfg.CandidatesPerSlot < 2 {
		cfg.CandidatesPerSlot = 4
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = 16
	}
	if cfg.RouteEntryTTL <= 0 {
		cfg.RouteEntryTTL = 30 * time.Second
	}
	return &Router{
		self:             cfg.Self,
		ttl:              cfg.RouteEntryTTL,
		maxHops:          cfg.MaxHops,
		n:                cfg.CandidatesPerSlot,
		services:         make(map[types.ServiceAdvertID][]*entry),
		localServices:    make(map[types.ServiceAdvertID]struct{}),
		lastSessionByVia: make(map[types.ConnId]uint32),
	}
}

// AdvertiseLocal 把 id 注册为本节点自身具备的服务能力。
func (r *Router) AdvertiseLocal(id types.ServiceAdvertID) { r.localServices[id] = struct{}{} }

// WithdrawLocal 撤销本节点自身的服务广告。
func (r *Router) WithdrawLocal(id types.ServiceAdvertID) { delete(r.localServices, id) }

// Install 按 4.2 节的插入策略安装一条候选路由，返回是否被接受。
func (r *Router) Install(layer int, route types.RouteEntry, adv types.AdvertisedServices, now time.Time) bool {
	if layer < 0 || layer >= NumLayers {
		return false
	}
	if route.Via == (types.ConnId{}) || route.Via.Remote == r.self {
		return false
	}
	if route.Hops >= r.maxHops {
		return false
	}
	if last, ok := r.lastSessionByVia[route.Via]; ok && route.Session < last {
		log.Debug("rejecting stale session", "via", route.Via.String(), "session", route.Session, "last", last)
		return false
	}
	r.lastSessionByVia[route.Via] = route.Session

	s := &r.tables[layer][route.DestLayerKey]
	e := &entry{route: route, lastRefresh: now, services: adv}

	// 替换同一 via 的已有候选（重新学习），否则追加。
	replaced := false
	for i, existing := range s.entries {
		if existing.route.Via == route.Via {
			s.entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		s.entries = append(s.entries, e)
	}
	sortEntries(s.entries)
	if len(s.entries) > r.n {
		s.entries = s.entries[:r.n]
	}

	r.updateServices(route.Via, e, adv)
	return true
}

func (r *Router) updateServices(via types.ConnId, e *entry, adv types.AdvertisedServices) {
	// 先移除该 via 在服务表中的旧引用。
	for svc, entries := range r.services {
		filtered := entries[:0]
		for _, ex := range entries {
			if ex.route.Via != via {
				filtered = append(filtered, ex)
			}
		}
		if len(filtered) == 0 {
			delete(r.services, svc)
		} else {
			r.services[svc] = filtered
		}
	}
	for svc := range adv {
		r.services[svc] = append(r.services[svc], e)
	}
}

func sortEntries(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].route, entries[j].route
		if a.Hops != b.Hops {
			return a.Hops < b.Hops
		}
		if a.Metric != b.Metric {
			return a.Metric.Less(b.Metric)
		}
		return a.Via.Remote < b.Via.Remote
	})
}

// WithdrawVia 移除给定连接作为 via 的所有候选路由（连接断开时调用）。
func (r *Router) WithdrawVia(via types.ConnId) {
	for k := 0; k < NumLayers; k++ {
		for b := 0; b < 256; b++ {
			s := &r.tables[k][b]
			if len(s.entries) == 0 {
				continue
			}
			filtered := s.entries[:0]
			for _, e := range s.entries {
				if e.route.Via != via {
					filtered = append(filtered, e)
				}
			}
			s.entries = filtered
		}
	}
	for svc, entries := range r.services {
		filtered := entries[:0]
		for _, e := range entries {
			if e.route.Via != via {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(r.services, svc)
		} else {
			r.services[svc] = filtered
		}
	}
	delete(r.lastSessionByVia, via)
}

// ExpireTTL 淘汰所有超过 TTL 未被刷新的候选路由，不返回结果。候选被
// 淘汰只说明其通告未被刷新，不代表连接本身已死。
func (r *Router) ExpireTTL(now time.Time) {
	for k := 0; k < NumLayers; k++ {
		for b := 0; b < 256; b++ {
			s := &r.tables[k][b]
			if len(s.entries) == 0 {
				continue
			}
			filtered := s.entries[:0]
			for _, e := range s.entries {
				if now.Sub(e.lastRefresh) < r.ttl {
					filtered = append(filtered, e)
				}
			}
			s.entries = filtered
		}
	}
}

// PathTo 实现设计文档 4.2 节的三种目的地解析算法。
func (r *Router) PathTo(dest Destination, now time.Time) Decision {
	switch dest.kind {
	case destNode:
		return r.pathToNode(dest.node, now)
	case destClosest:
		return r.pathToClosest(dest.key, now)
	case destService:
		return r.pathToService(dest.service)
	default:
		return Decision{Kind: DecisionDrop}
	}
}

func (r *Router) pathToNode(target types.NodeID, now time.Time) Decision {
	if target == r.self {
		return Decision{Kind: DecisionLocal}
	}
	selfBytes := r.self.Bytes()
	targetBytes := target.Bytes()
	for k := 0; k < NumLayers; k++ {
		if selfBytes[k] == targetBytes[k] {
			continue
		}
		if best, ok := r.bestLive(k, targetBytes[k], now); ok {
			return Decision{Kind: DecisionForward, Via: best.route.Via}
		}
		return Decision{Kind: DecisionDrop}
	}
	// 所有层字节都与自身相同但 target != self：理论上不可能（NodeID
	// 相等应已在上面捕获），保险起见按不可达处理。
	return Decision{Kind: DecisionDrop}
}

func (r *Router) pathToClosest(key types.Key, now time.Time) Decision {
	targetBytes := key.AsNodeID().Bytes()
	selfBytes := r.self.Bytes()
	for k := 0; k < NumLayers; k++ {
		if selfBytes[k] == targetBytes[k] {
			continue
		}
		if best, ok := r.bestLive(k, targetBytes[k], now); ok {
			return Decision{Kind: DecisionForward, Via: best.route.Via}
		}
		// 本层没有候选，继续尝试更细的层，直到无层可用。
	}
	return Decision{Kind: DecisionLocal}
}

func (r *Router) pathToService(id types.ServiceAdvertID) Decision {
	if _, ok := r.localServices[id]; ok {
		return Decision{Kind: DecisionLocal}
	}
	candidates := r.services[id]
	if len(candidates) == 0 {
		return Decision{Kind: DecisionDrop}
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return Decision{Kind: DecisionForward, Via: best.route.Via}
}

func better(a, b *entry) bool {
	if a.route.Hops != b.route.Hops {
		return a.route.Hops < b.route.Hops
	}
	if a.route.Metric != b.route.Metric {
		return a.route.Metric.Less(b.route.Metric)
	}
	return a.route.Via.Remote < b.route.Via.Remote
}

// bestLive 返回槽位中排序第一的候选（已经按 hops/metric/via 排好序，
// 排序发生在 Install 时；这里不再重复过滤存活性，存活性由 Registry
// 通过 WithdrawVia 主动同步维护，路由表中不留死连接的候选）。
func (r *Router) bestLive(layer int, b byte, now time.Time) (*entry, bool) {
	s := &r.tables[layer][b]
	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[0], true
}

// SnapshotEntry 是 Snapshot() 导出的一条只读记录。
type SnapshotEntry struct {
	Layer    int
	Slot     byte
	Route    types.RouteEntry
	Services types.AdvertisedServices
}

// Snapshot 返回路由表当前状态的一份连贯快照，用于调试/自检。快照按
// (Layer, Slot) 排序，同一槽位内保持候选的排名顺序（最优在前），结果
// 具有确定性。
func (r *Router) Snapshot() []SnapshotEntry {
	var out []SnapshotEntry
	for k := 0; k < NumLayers; k++ {
		for b := 0; b < 256; b++ {
			for _, e := range r.tables[k][b].entries {
				out = append(out, SnapshotEntry{Layer: k, Slot: byte(b), Route: e.route, Services: e.services})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}
