package types

import "time"

// RelayState 是某节点上、某个 Channel 的中继状态。
//
// Upstream 在本节点即来源节点时为空；在转发节点或叶子节点上，它在
// 上游的 SubOk 确认之前同样为空。UUID 是来源会话号，
// 用于在来源重启后使旧订阅失效（SubOk 中的 uuid 不匹配即触发重新 Sub）。
type RelayState struct {
	Channel      Channel
	Upstream     *ConnId
	Downstreams  map[ConnId]struct{}
	StickyUntil  time.Time
	UUID         uint64
	RelaySession uint32 // 供 KV 中继复用同一状态形状（Pub/Sub 不使用）

	// LocalSubscribed 标记本节点应用层本身是否为该 Channel 的叶子订阅者。
	// 与 Downstreams 分开记录：应用层订阅不占用任何 ConnId，但 Data
	// 到达时仍必须投递给它。
	LocalSubscribed bool
}

// NewRelayState 构造一个空下游集合的中继状态。
func NewRelayState(ch Channel, uuid uint64) *RelayState {
	return &RelayState{
		Channel:     ch,
		Downstreams: make(map[ConnId]struct{}),
		UUID:        uuid,
	}
}

// IsSource 报告该中继状态是否没有上游：本节点是 Channel 的来源，或
// 上游尚未被 SubOk 确认。
func (r *RelayState) IsSource() bool {
	return r.Upstream == nil
}

// AddDownstream 记录一个下游订阅链路。
func (r *RelayState) AddDownstream(c ConnId) {
	r.Downstreams[c] = struct{}{}
}

// RemoveDownstream 移除一个下游订阅链路，返回移除后是否已无下游。
func (r *RelayState) RemoveDownstream(c ConnId) (empty bool) {
	delete(r.Downstreams, c)
	return len(r.Downstreams) == 0
}
