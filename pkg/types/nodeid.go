package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

// ============================================================================
//                              NodeID - 节点标识
// ============================================================================

// NodeID 是一个不透明的 32 位标识符，按大端序拆成四个有序字节
// (L1, L2, L3, L4)，分别对应地理分层 Zone/Region/Group/Index。
//
// 相等性即整数相等；两个 NodeID 之间的“层匹配数”是二者从高位起
// 连续相同的字节数（0..4）。节点身份的签发不属于本包职责范围，
// 上层（Bootstrap/配置）负责分配互不冲突的 NodeID。
type NodeID uint32

// EmptyNodeID 是保留的零值，从不作为合法节点标识分配。
const EmptyNodeID NodeID = 0

// NumLayers 是 NodeID 划分的地理层数。
const NumLayers = 4

// ErrInvalidNodeID 表示解析得到的 NodeID 不合法（当前仅拒绝零值）。
var ErrInvalidNodeID = errors.New("invalid node id: must be non-zero")

// NewNodeID 从四个层字节按 Zone/Region/Group/Index 顺序构造 NodeID。
func NewNodeID(zone, region, group, index byte) NodeID {
	return NodeID(binary.BigEndian.Uint32([]byte{zone, region, group, index}))
}

// NodeIDFromBytes 从 4 字节大端切片解析 NodeID。
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != 4 {
		return EmptyNodeID, fmt.Errorf("node id must be 4 bytes, got %d", len(b))
	}
	return NodeID(binary.BigEndian.Uint32(b)), nil
}

// Bytes 返回 NodeID 的大端字节表示 (L1,L2,L3,L4)。
func (id NodeID) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b
}

// Layer 返回第 k 层（0..3）的字节值。k 越小越接近根（Zone），越大越接近叶（Index）。
func (id NodeID) Layer(k int) byte {
	b := id.Bytes()
	return b[k]
}

// IsEmpty 报告 id 是否为保留零值。
func (id NodeID) IsEmpty() bool {
	return id == EmptyNodeID
}

// String 返回 NodeID 的十六进制表示，形如 "0a141e28"。
func (id NodeID) String() string {
	b := id.Bytes()
	return fmt.Sprintf("%02x%02x%02x%02x", b[0], b[1], b[2], b[3])
}

// LayerMatch 返回 id 与 other 从最高层开始连续相同的字节数（0..4）。
//
// 例如两个 NodeID 的 Zone/Region 相同但 Group 不同，则 LayerMatch 为 2。
func (id NodeID) LayerMatch(other NodeID) int {
	a, b := id.Bytes(), other.Bytes()
	n := 0
	for n < NumLayers && a[n] == b[n] {
		n++
	}
	return n
}

// XOR 返回 id 与 other 的按位异或距离，解释为无符号整数。
// 用于 DHT 的“最近节点”判定。
func (id NodeID) XOR(other NodeID) uint32 {
	return uint32(id) ^ uint32(other)
}

// LeadingZeros 返回 XOR 距离的前导零位数，距离越大该值越小。
// 提供给需要按位划分 k-bucket 风格结构的调用方使用。
func (id NodeID) LeadingZeros(other NodeID) int {
	return bits.LeadingZeros32(id.XOR(other))
}

// ParseNodeID 从十进制或 "0x" 前缀的十六进制字符串解析 NodeID，
// 用于 --node-id CLI 参数。
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v == 0 {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeID(v), nil
}
