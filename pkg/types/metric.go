package types

// ============================================================================
//                              LinkMetric - 链路度量
// ============================================================================

// LinkMetric 描述一条链路或一条路径的代价。
//
// 度量沿路径的合成规则（必须满足结合律，供 AStar 风格的路径探索使用）：
//   - RTT：加性
//   - 带宽：取最小值（路径带宽受最窄一段限制）
//   - 丢包率：以 permille（千分之一）为单位相乘互补概率
//     1 - Π(1 - lᵢ)
//   - Cost：加性
type LinkMetric struct {
	RTTMs         uint16
	BandwidthKbps uint32
	LossPermille  uint16
	Cost          uint16
}

// InfiniteMetric 是一个永远不会赢得比较的度量，用作“无可用路径”哨兵。
var InfiniteMetric = LinkMetric{
	RTTMs:         ^uint16(0),
	BandwidthKbps: 0,
	LossPermille:  1000,
	Cost:          ^uint16(0),
}

// Compose 返回沿 "self 到 via" 再到 "via 之外" 的复合度量，即
// m 表示第一段、next 表示后续段时两者拼接后的整体路径度量。
//
// Compose 满足结合律：a.Compose(b).Compose(c) == a.Compose(b.Compose(c))，
// 因为每个分量的合成算子（加法、取最小值、互补概率乘积）本身都是结合的。
func (m LinkMetric) Compose(next LinkMetric) LinkMetric {
	return LinkMetric{
		RTTMs:         saturateAddU16(m.RTTMs, next.RTTMs),
		BandwidthKbps: minU32(m.BandwidthKbps, next.BandwidthKbps),
		LossPermille:  composeLoss(m.LossPermille, next.LossPermille),
		Cost:          saturateAddU16(m.Cost, next.Cost),
	}
}

// composeLoss 计算 1 - (1-a/1000)*(1-b/1000)，按 permille 取整。
func composeLoss(a, b uint16) uint16 {
	pa := float64(a) / 1000
	pb := float64(b) / 1000
	combined := 1 - (1-pa)*(1-pb)
	v := combined * 1000
	if v < 0 {
		v = 0
	}
	if v > 1000 {
		v = 1000
	}
	return uint16(v)
}

func saturateAddU16(a, b uint16) uint16 {
	sum := uint32(a) + uint32(b)
	if sum > 0xFFFF {
		return 0xFFFF
	}
	return uint16(sum)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Dominates 报告 m 是否严格支配 other：每个分量都不劣于 other，
// 且至少一个分量严格更优。数值越小越优（带宽相反，数值越大越优）。
func (m LinkMetric) Dominates(other LinkMetric) bool {
	betterOrEqual :=
		m.RTTMs <= other.RTTMs &&
			m.BandwidthKbps >= other.BandwidthKbps &&
			m.LossPermille <= other.LossPermille &&
			m.Cost <= other.Cost
	strictlyBetter :=
		m.RTTMs < other.RTTMs ||
			m.BandwidthKbps > other.BandwidthKbps ||
			m.LossPermille < other.LossPermille ||
			m.Cost < other.Cost
	return betterOrEqual && strictlyBetter
}

// Less 用于路由选择比较：优先取被支配的一方（即“更优”的一方）。
// 平局时先比较 RTT，再按分量字典序 (RTT, Bandwidth desc, Loss, Cost) 比较。
func (m LinkMetric) Less(other LinkMetric) bool {
	if m.Dominates(other) {
		return true
	}
	if other.Dominates(m) {
		return false
	}
	if m.RTTMs != other.RTTMs {
		return m.RTTMs < other.RTTMs
	}
	if m.BandwidthKbps != other.BandwidthKbps {
		return m.BandwidthKbps > other.BandwidthKbps
	}
	if m.LossPermille != other.LossPermille {
		return m.LossPermille < other.LossPermille
	}
	return m.Cost < other.Cost
}
