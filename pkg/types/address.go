package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
//                              Endpoint - 端点描述符
// ============================================================================

// Endpoint 是一条可拨号的传输路径描述符：scheme + host + port。
// scheme 通常是 "udp"、"tcp" 或 "quic" 之类的传输标识，具体解释权
// 交给外部 Transport 协作者，本包只负责携带与比较。
type Endpoint struct {
	Scheme string
	Host   string
	Port   uint16
}

// String 返回端点的规范文本形式，形如 "/ip4/1.2.3.4/udp/50000"。
func (e Endpoint) String() string {
	family := "ip4"
	if strings.Contains(e.Host, ":") {
		family = "ip6"
	}
	return fmt.Sprintf("/%s/%s/%s/%d", family, e.Host, e.Scheme, e.Port)
}

var (
	// ErrInvalidEndpoint 端点格式不合法。
	ErrInvalidEndpoint = errors.New("invalid endpoint: expected /ip4|ip6|dns4|dns6/<host>/<scheme>/<port>")
)

// ParseEndpoint 解析形如 "/ip4/1.2.3.4/udp/50000" 的端点字符串。
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 4 {
		return Endpoint{}, ErrInvalidEndpoint
	}
	switch parts[0] {
	case "ip4", "ip6", "dns4", "dns6":
	default:
		return Endpoint{}, ErrInvalidEndpoint
	}
	port, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return Endpoint{Scheme: parts[2], Host: parts[1], Port: uint16(port)}, nil
}

// ============================================================================
//                              NodeAddress - 节点地址
// ============================================================================

// NodeAddress 是一个 NodeID 加上一个或多个有序端点描述符。
// 两个地址在 NodeID 相同时视为等价，端点顺序即拨号尝试的优先级顺序。
type NodeAddress struct {
	ID        NodeID
	Endpoints []Endpoint
}

// Equal 报告两个地址是否指向同一节点（仅比较 NodeID）。
func (a NodeAddress) Equal(other NodeAddress) bool {
	return a.ID == other.ID
}

// String 返回 "<node_id>@<endpoint1>,<endpoint2>,..." 形式的文本表示。
func (a NodeAddress) String() string {
	strs := make([]string, len(a.Endpoints))
	for i, ep := range a.Endpoints {
		strs[i] = ep.String()
	}
	return fmt.Sprintf("%s@%s", a.ID, strings.Join(strs, ","))
}

// ParseNodeAddress 解析 CLI 种子地址格式：
// "<node_id>@/ip4/<host>/udp/<port>"，也接受以逗号分隔的多端点。
func ParseNodeAddress(s string) (NodeAddress, error) {
	at := strings.Index(s, "@")
	if at < 0 {
		return NodeAddress{}, fmt.Errorf("%w: missing '@' separator", ErrInvalidEndpoint)
	}
	id, err := ParseNodeID(s[:at])
	if err != nil {
		return NodeAddress{}, err
	}
	rest := s[at+1:]
	if rest == "" {
		return NodeAddress{}, fmt.Errorf("%w: missing endpoint", ErrInvalidEndpoint)
	}
	var eps []Endpoint
	for _, part := range strings.Split(rest, ",") {
		ep, err := ParseEndpoint(part)
		if err != nil {
			return NodeAddress{}, err
		}
		eps = append(eps, ep)
	}
	return NodeAddress{ID: id, Endpoints: eps}, nil
}
