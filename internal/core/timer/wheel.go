// Package timer 实现平面调度器使用的单一定时器轮。
//
// 设计文档 4.9 节要求“周期性可重入的 tick（同步、保活、中继刷新）运行在
// 一个以 (op_id, feature_id) 为键的单一时间轮上：取消即移除，重新调度即
// 替换”。这里用 container/heap 上的最小堆实现，写法沿用教师仓库
// internal/core/connmgr/scheduler.go 的拨号优先队列写法：一个实现了
// heap.Interface 的切片类型 + 一个薄封装结构体。
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Key 唯一标识一个已调度的定时器：(feature_id, op_id)。
type Key struct {
	FeatureID string
	OpID      uint64
}

// entry 是堆中的一项。
type entry struct {
	key      Key
	deadline time.Time
	index    int
}

type minHeap []*entry

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *minHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel 是一个键控的到期时间最小堆。它不自己跑 goroutine：调度器在每次
// 事件循环迭代时调用 Ready(now) 取出所有已到期的键，符合 SANS-I/O 的
// "纯函数消费事件、产生动作" 契约（§1/§9）。
type Wheel struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[Key]*entry
	h       minHeap
}

// New 创建一个使用给定 clock 的时间轮；生产环境传 clock.New()，
// 测试传 clock.NewMock() 以获得确定性。
func New(c clock.Clock) *Wheel {
	if c == nil {
		c = clock.New()
	}
	return &Wheel{
		clock:   c,
		entries: make(map[Key]*entry),
		h:       make(minHeap, 0),
	}
}

// Schedule 在 deadline 时刻调度 key；若 key 已存在则替换其到期时间
// （重新调度语义：先移除后插入）。
func (w *Wheel) Schedule(key Key, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.entries[key]; ok {
		heap.Remove(&w.h, old.index)
		delete(w.entries, key)
	}
	e := &entry{key: key, deadline: deadline}
	heap.Push(&w.h, e)
	w.entries[key] = e
}

// Cancel 移除 key 对应的定时器（若存在）。取消即移除，保证不会再产生
// 到期通知（§5：stop(op_id) 必须保证无后续 emission）。
func (w *Wheel) Cancel(key Key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	if !ok {
		return
	}
	heap.Remove(&w.h, e.index)
	delete(w.entries, key)
}

// Ready 弹出所有到期时间 <= now 的键，按到期时间升序返回。
func (w *Wheel) Ready(now time.Time) []Key {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Key
	for w.h.Len() > 0 && !w.h[0].deadline.After(now) {
		e := heap.Pop(&w.h).(*entry)
		delete(w.entries, e.key)
		out = append(out, e.key)
	}
	return out
}

// NextDeadline 返回堆中最早的到期时间，堆为空时返回 zero time 和 false。
func (w *Wheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.h.Len() == 0 {
		return time.Time{}, false
	}
	return w.h[0].deadline, true
}

// Len 返回当前已调度的定时器数量。
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.h.Len()
}
