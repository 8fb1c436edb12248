package types

import "fmt"

// Channel 是一个以来源节点为锚点的 Pub/Sub 主题：(source_node_id, channel_id)。
type Channel struct {
	Source    NodeID
	ChannelID uint64
}

// String 返回便于日志与 map key 展示的紧凑表示。
func (c Channel) String() string {
	return fmt.Sprintf("%s/%d", c.Source, c.ChannelID)
}
