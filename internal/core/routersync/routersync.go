// Package routersync 实现设计文档 4.3 节的路由器同步服务：周期性地
// 向每个邻居发送增量路由通告，应用分裂地平线，并对收到的通告调用
// Router.Install。
package routersync

import (
	"time"

	"github.com/relaymesh/plane/internal/core/router"
	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("routersync")

// Item 是同步帧中携带的一条路由通告。
type Item struct {
	Layer        int
	DestLayerKey byte
	Metric       types.LinkMetric
	Hops         uint8
	Session      uint32
	Services     types.AdvertisedServices
}

// Frame 是发往单个邻居的一次同步载荷，携带发送方的单调同步纪元。
type Frame struct {
	Epoch uint32
	Items []Item
}

// State 跟踪本服务需要的跨调用状态：本地单调递增的发送纪元，以及每个
// 邻居最后接受的接收纪元（用于幂等丢弃过期帧）。
type State struct {
	nextEpoch      uint32
	lastSeenEpoch  map[types.ConnId]uint32
}

// NewState 构造一个空 State。
func NewState() *State {
	return &State{lastSeenEpoch: make(map[types.ConnId]uint32)}
}

// BuildFrame 为发往 excludeVia 邻居的同步构建增量帧：包含路由表中所有
// via 不是 excludeVia 的最优候选（分裂地平线，4.3 节）。它使用 BeginTick
// 分配的当前发送纪元且不推进它，因为一次 tick 内发给所有邻居的帧共享
// 同一纪元。
func (s *State) BuildFrame(rt *router.Router, excludeVia types.ConnId) Frame {
	snap := rt.Snapshot()
	// 每个 (layer, slot) 只取当前最优的一条（Snapshot 已按该顺序排序，
	// 但可能包含同一槽位的多条候选；这里只广播最优的一条，与教师仓库
	// 的“只同步权威视图”惯例一致）。
	seen := make(map[[2]int]bool)
	items := make([]Item, 0, len(snap))
	for _, e := range snap {
		if e.Route.Via == excludeVia {
			continue
		}
		key := [2]int{e.Layer, int(e.Slot)}
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, Item{
			Layer:        e.Layer,
			DestLayerKey: e.Slot,
			Metric:       e.Route.Metric,
			Hops:         e.Route.Hops,
			Session:      e.Route.Session,
			Services:     e.Services,
		})
	}
	return Frame{Epoch: s.currentEpoch(), Items: items}
}

// currentEpoch 是本节点当前的发送纪元；BeginTick 推进它。
func (s *State) currentEpoch() uint32 { return s.nextEpoch }

// BeginTick 为新一轮同步（常规周期或去抖立即同步）分配一个新的单调
// 递增发送纪元，供本轮所有 BuildFrame 调用共享。
func (s *State) BeginTick() uint32 {
	s.nextEpoch++
	return s.nextEpoch
}

// ApplyIncoming 处理来自 from 的同步帧：先做纪元幂等性检查，再对每一
// 条通告项计算扩展度量并调用 Router.Install。返回被接受安装的条目数。
func (s *State) ApplyIncoming(rt *router.Router, from types.ConnId, linkMetric types.LinkMetric, frame Frame, now time.Time) int {
	if last, ok := s.lastSeenEpoch[from]; ok && frame.Epoch < last {
		log.Debug("dropping stale sync frame", "from", from.String(), "epoch", frame.Epoch, "last", last)
		return 0
	}
	s.lastSeenEpoch[from] = frame.Epoch

	installed := 0
	for _, item := range frame.Items {
		extended := item.Metric.Compose(linkMetric)
		route := types.RouteEntry{
			DestLayerKey: item.DestLayerKey,
			Via:          from,
			Metric:       extended,
			Hops:         item.Hops + 1,
			Session:      item.Session,
		}
		if rt.Install(item.Layer, route, item.Services, now) {
			installed++
		}
	}
	return installed
}
