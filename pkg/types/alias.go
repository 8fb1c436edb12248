package types

import "time"

// AliasRecord 记录一个别名的当前归属，以及在本地看到的"位置提示"：
// 该记录最近一次是从哪条链路进入本节点的，用于加速后续 Scan。
type AliasRecord struct {
	Alias        uint64
	Owner        NodeID
	LastSeenFrom ConnId
	RegisteredAt time.Time
}
