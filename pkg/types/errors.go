package types

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              错误类别（封闭集合）
// ============================================================================
//
// 本文件列出的错误类别会被上抛给应用层与日志，构成本系统对外承诺的
// 完整错误分类。策略：本地恢复先于上报；调度器对畸形输入从不 panic，
// 只记录并丢弃。

// LinkDownError 表示某条链路已断开。可观测但非致命，Router 与上层
// 特性会通过重试/重新选路自行恢复。
type LinkDownError struct {
	Conn ConnId
}

func (e *LinkDownError) Error() string {
	return fmt.Sprintf("link down: %s", e.Conn)
}

// NoRouteError 表示 Router 在 route_timeout 的重试窗口后仍未能为
// destination 找到可用下一跳。
type NoRouteError struct {
	Destination string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route to %s", e.Destination)
}

// ErrStaleSession 表示收到的会话号不比已知会话新，帧被静默丢弃，
// 不会上报给应用层。
var ErrStaleSession = errors.New("stale session")

// AckTimeoutError 表示某个可靠操作在默认 5 次 / 10s 重传窗口后
// 仍未收到确认。
type AckTimeoutError struct {
	OpID uint32
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("ack timeout for op %d", e.OpID)
}

// ErrTableOverflow 是路由表槽位或发送队列已满的内部信号；
// 若无法恢复，会被转换为 NoRouteError 上抛。
var ErrTableOverflow = errors.New("table overflow")

// ConfigError 只会在启动阶段出现，是唯一的致命错误类别。
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// ErrDrop 是 Router 在既无路由表项、也无本地服务能力时返回的
// 终态：调用方应视为不可达，不应重试同一决策。
var ErrDrop = errors.New("no route: drop")

// ErrNotFound 用于别名/键值查询在超时窗口内未获得任何回复的场景。
var ErrNotFound = errors.New("not found")

// ErrCanceled 表示应用层通过 cancel 句柄主动取消了一次 get/scan 调用。
var ErrCanceled = errors.New("canceled")
