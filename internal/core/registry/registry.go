// Package registry 实现设计文档 4.1 节的连接注册表：邻居连接的唯一
// 事实来源，跟踪其度量与存活状态。与教师仓库的 peerstore 一样，它是一
// 个纯内存索引，不持有任何 Transport 句柄本身，只持有 ConnId。
package registry

import (
	"sort"
	"time"

	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("registry")

// link 是一条活跃连接的内部记录。
type link struct {
	conn         types.ConnId
	metric       types.LinkMetric
	lastSeen     time.Time
	missedProbes int
}

// Registry 跟踪从本节点出发的所有活跃邻居连接。
//
// 并发模型与调度器一致：Registry 不是并发安全的，只应从单一调度循环
// 中调用（§1 的 SANS-I/O 单线程契约）。
type Registry struct {
	self types.NodeID

	links map[types.ConnId]*link
	// byRemote 支持按远端 NodeID 快速查找已存在的连接，用于
	// on_connected 的去重仲裁。
	byRemote map[types.NodeID][]types.ConnId

	keepaliveInterval time.Duration
	maxMissed         int

	nextEpoch uint32
}

// Config 配置一个新 Registry。
type Config struct {
	Self              types.NodeID
	KeepaliveInterval time.Duration
	MaxMissedProbes   int
}

// New 构造一个空的 Registry。
func New(cfg Config) *Registry {
	if cfg.MaxMissedProbes <= 0 {
		cfg.MaxMissedProbes = 3
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = time.Second
	}
	return &Registry{
		self:              cfg.Self,
		links:             make(map[types.ConnId]*link),
		byRemote:          make(map[types.NodeID][]types.ConnId),
		keepaliveInterval: cfg.KeepaliveInterval,
		maxMissed:         cfg.MaxMissedProbes,
	}
}

// ErrSelfConnect 表示尝试把自己注册为邻居。
var ErrSelfConnect = &types.ConfigError{Field: "remote", Reason: "remote equals self"}

// OnConnected 注册一条刚完成握手的连接，返回其 ConnId。
//
// 若已存在与同一 remote 的活跃连接，仲裁规则为：按 direction 排序
// （Outbound 优先于 Inbound），平局按 epoch 更大者（更新）优先；败者
// 被返回在 evicted 中，调用方负责发出断开动作。
func (r *Registry) OnConnected(remote types.NodeID, direction types.Direction, now time.Time) (id types.ConnId, evicted []types.ConnId, err error) {
	if remote == r.self {
		return types.ConnId{}, nil, ErrSelfConnect
	}

	r.nextEpoch++
	candidate := types.ConnId{Remote: remote, Direction: direction, Epoch: r.nextEpoch}

	existing := r.byRemote[remote]
	if len(existing) == 0 {
		r.addLink(candidate, now)
		return candidate, nil, nil
	}

	// 已经有活跃连接：决定谁赢。
	winner := candidate
	for _, ex := range existing {
		if wins(ex, winner) {
			winner = ex
		}
	}
	if winner != candidate {
		// 已有连接胜出，拒绝新连接，报告其自身为 evicted 供调用方立即断开。
		return candidate, []types.ConnId{candidate}, nil
	}

	// 新连接胜出：淘汰其余所有旧连接。
	evicted = append(evicted, existing...)
	for _, ex := range existing {
		r.removeLink(ex)
	}
	r.addLink(candidate, now)
	return candidate, evicted, nil
}

// wins 报告 a 是否在仲裁中胜过 b：Outbound 优先，然后 epoch 更大者优先。
func wins(a, b types.ConnId) bool {
	if a.Direction != b.Direction {
		return a.Direction == types.DirOutbound
	}
	return a.Epoch > b.Epoch
}

func (r *Registry) addLink(id types.ConnId, now time.Time) {
	l := &link{conn: id, lastSeen: now}
	r.links[id] = l
	r.byRemote[id.Remote] = append(r.byRemote[id.Remote], id)
}

func (r *Registry) removeLink(id types.ConnId) {
	l, ok := r.links[id]
	if !ok {
		return
	}
	delete(r.links, id)
	remote := l.conn.Remote
	rest := r.byRemote[remote][:0]
	for _, other := range r.byRemote[remote] {
		if other != id {
			rest = append(rest, other)
		}
	}
	if len(rest) == 0 {
		delete(r.byRemote, remote)
	} else {
		r.byRemote[remote] = rest
	}
}

// OnDisconnected 移除一条连接。返回 true 表示该连接确实存在并被移除
// （调用方随后触发 Router 的撤回级联）。
func (r *Registry) OnDisconnected(id types.ConnId) bool {
	if _, ok := r.links[id]; !ok {
		return false
	}
	r.removeLink(id)
	log.Debug("connection removed", "conn", id.String())
	return true
}

// OnMeasurement 记录一次新的链路度量样本，并重置存活探测计数。
func (r *Registry) OnMeasurement(id types.ConnId, metric types.LinkMetric, now time.Time) bool {
	l, ok := r.links[id]
	if !ok {
		return false
	}
	l.metric = metric
	l.lastSeen = now
	l.missedProbes = 0
	return true
}

// Lookup 返回给定 ConnId 的当前度量与是否存在。
func (r *Registry) Lookup(id types.ConnId) (types.LinkMetric, bool) {
	l, ok := r.links[id]
	if !ok {
		return types.LinkMetric{}, false
	}
	return l.metric, true
}

// IterActive 按 ConnId 字符串排序返回全部活跃连接，便于确定性测试与快照。
func (r *Registry) IterActive() []types.ConnId {
	out := make([]types.ConnId, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len 返回活跃连接数。
func (r *Registry) Len() int { return len(r.links) }

// PollLiveness 应该在每次保活探测周期到期时调用。返回本轮应发送 ping
// 的连接，以及本轮判定为死亡、应当断开的连接。
func (r *Registry) PollLiveness(now time.Time) (probe []types.ConnId, dead []types.ConnId) {
	for id, l := range r.links {
		if now.Sub(l.lastSeen) < r.keepaliveInterval {
			continue
		}
		l.missedProbes++
		if l.missedProbes >= r.maxMissed {
			dead = append(dead, id)
			continue
		}
		probe = append(probe, id)
	}
	sort.Slice(probe, func(i, j int) bool { return probe[i].String() < probe[j].String() })
	sort.Slice(dead, func(i, j int) bool { return dead[i].String() < dead[j].String() })
	for _, id := range dead {
		r.removeLink(id)
	}
	return probe, dead
}

// KeepaliveInterval 返回配置的探测周期，供调度器安排定时器。
func (r *Registry) KeepaliveInterval() time.Duration { return r.keepaliveInterval }
