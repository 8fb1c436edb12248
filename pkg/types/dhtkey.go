package types

import "fmt"

// Key 是 DHT 中一个键值记录的定位键：32 位哈希键加 8 位子键（多值映射）。
type Key struct {
	Hash   uint32
	Subkey uint8
}

// String 返回紧凑表示，便于日志与 map key。
func (k Key) String() string {
	return fmt.Sprintf("%08x/%02x", k.Hash, k.Subkey)
}

// ReplicaXOR 是用于计算复制目标的固定掩码：写入既发往 key 本身，
// 也发往 key XOR ReplicaXOR，二者互为复制对。
const ReplicaXOR uint32 = 0x80808080

// ReplicaHash 返回 k 的复制副本哈希（k.Hash XOR 0x80808080）。
func (k Key) ReplicaHash() uint32 {
	return k.Hash ^ ReplicaXOR
}

// AsNodeID 把哈希键的字节直接解释为一个 NodeID，用于在路由层做
// "最近节点" 查询（Router.Closest 使用与 Node 查询相同的按层匹配算法，
// 只是把目标字节换成了键的字节）。
func (k Key) AsNodeID() NodeID {
	return NodeID(k.Hash)
}

// ReplicaAsNodeID 返回复制目标对应的伪 NodeID。
func (k Key) ReplicaAsNodeID() NodeID {
	return NodeID(k.ReplicaHash())
}
