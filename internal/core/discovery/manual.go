// Package discovery 实现设计文档 4.4 节的手动发现：基于标签匹配的
// 种子拨号与断线重连退避。退避调度沿用教师仓库
// internal/core/connmgr/scheduler.go 的 container/heap 优先队列写法。
package discovery

import (
	"container/heap"
	"time"

	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("discovery")

// Config 配置手动发现服务。
type Config struct {
	LocalTags       []string
	ConnectTags     []string
	Seeds           []types.NodeAddress
	RequireTagMatch bool
	ReattemptEvery  time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// seedState 是每个种子地址的重连调度状态。
type seedState struct {
	addr        types.NodeAddress
	nextAttempt time.Time
	backoff     time.Duration
	connected   bool
	index       int
}

type seedHeap []*seedState

func (h seedHeap) Len() int { return len(h) }
func (h seedHeap) Less(i, j int) bool {
	return h[i].nextAttempt.Before(h[j].nextAttempt)
}
func (h seedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *seedHeap) Push(x any) {
	s := x.(*seedState)
	s.index = len(*h)
	*h = append(*h, s)
}
func (h *seedHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}

// Manual is the tag-matched seed-dialing discovery service (spec 4.4).
type Manual struct {
	cfg Config

	localTags   map[string]struct{}
	connectTags map[string]struct{}

	byNode map[types.NodeID]*seedState
	queue  seedHeap
}

// New 构造一个 Manual 发现服务并把所有种子加入退避队列，初始
// nextAttempt 为 now，使其在第一次 Poll 时立即被选中拨号。
func New(cfg Config, now time.Time) *Manual {
	m := &Manual{
		cfg:         cfg,
		localTags:   toSet(cfg.LocalTags),
		connectTags: toSet(cfg.ConnectTags),
		byNode:      make(map[types.NodeID]*seedState),
	}
	for _, addr := range cfg.Seeds {
		s := &seedState{addr: addr, nextAttempt: now, backoff: cfg.BackoffBase}
		m.byNode[addr.ID] = s
		heap.Push(&m.queue, s)
	}
	return m
}

func toSet(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

// intersects reports whether a and b share at least one element.
func intersects(a, b map[string]struct{}) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for t := range small {
		if _, ok := big[t]; ok {
			return true
		}
	}
	return false
}

// AcceptInbound 判定一个入站握手是否应被接受，依据其广告的标签与本
// 地 local_tags 的交集，仅当 require_tag_match 开启时才会拒绝。
func (m *Manual) AcceptInbound(advertisedTags []string) bool {
	if !m.cfg.RequireTagMatch {
		return true
	}
	return intersects(m.localTags, toSet(advertisedTags))
}

// PendingDials 返回本轮应当发起拨号的种子地址：next_attempt <= now 的
// 全部未连接种子。种子不按 connect_tags 过滤，标签检查只在握手完成后
// 由 AcceptInbound 进行。已连接的种子到期时被弹出且不再放回队列。
func (m *Manual) PendingDials(now time.Time) []types.NodeAddress {
	var out []types.NodeAddress
	for m.queue.Len() > 0 && !m.queue[0].nextAttempt.After(now) {
		s := heap.Pop(&m.queue).(*seedState)
		if s.connected {
			continue
		}
		out = append(out, s.addr)
		// 重新调度：把 backoff 翻倍（封顶 BackoffMax），下一次机会推
		// 迟到 now+backoff。若拨号成功，OnConnected 会把它标记为
		// connected 并从队列中静默跳过后续到期。
		s.nextAttempt = now.Add(s.backoff)
		s.backoff = nextBackoff(s.backoff, m.cfg.BackoffMax)
		heap.Push(&m.queue, s)
	}
	return out
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}

// OnConnected 标记种子已连接，使其暂停参与重连轮询。
func (m *Manual) OnConnected(remote types.NodeID) {
	if s, ok := m.byNode[remote]; ok {
		s.connected = true
	}
}

// OnDisconnected 把种子重新标记为待重连，backoff 重置为 BackoffBase，
// 下一次重试机会调度在 now+ReattemptEvery（符合 4.4 节 "周期性
// 重试断线种子" 的要求）。
func (m *Manual) OnDisconnected(remote types.NodeID, now time.Time) {
	s, ok := m.byNode[remote]
	if !ok {
		return
	}
	s.connected = false
	s.backoff = m.cfg.BackoffBase
	if s.index >= 0 {
		heap.Remove(&m.queue, s.index)
	}
	s.nextAttempt = now.Add(m.cfg.ReattemptEvery)
	heap.Push(&m.queue, s)
}

// NextDeadline 返回队列中最早的下一次拨号机会，供调度器安排定时器。
func (m *Manual) NextDeadline() (time.Time, bool) {
	if m.queue.Len() == 0 {
		return time.Time{}, false
	}
	return m.queue[0].nextAttempt, true
}
