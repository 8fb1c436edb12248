// Package logger 提供 overlay 网络平面的统一日志系统
//
// 基于标准库 log/slog，支持：
//   - 按子系统配置日志级别
//   - 环境变量配置（PLANE_LOG_LEVEL, PLANE_LOG_FORMAT）
//   - 结构化日志
//
// 使用示例:
//
//	package discovery
//
//	import "github.com/relaymesh/plane/internal/util/logger"
//
//	var log = logger.Logger("discovery")
//
//	func foo() {
//	    log.Info("peer discovered", "peer", peerID, "count", len(peers))
//	    log.Debug("connection details", "addr", addr, "latency", latency)
//	    log.Error("connection failed", "err", err, "peer", peerID)
//	}
//
// 环境变量配置:
//
//	# 设置所有模块为 info，discovery 模块为 debug
//	PLANE_LOG_LEVEL=discovery=debug,info
//
//	# 使用 JSON 格式输出
//	PLANE_LOG_FORMAT=json
package logger

import (
	"io"
	"log/slog"
	"sync"
)

// loggers 缓存各子系统的 Logger
var loggers sync.Map // map[string]*slog.Logger

// Logger 获取指定子系统的 Logger
//
// Logger 会根据 PLANE_LOG_LEVEL 环境变量配置日志级别。
// 同一子系统多次调用会返回相同的 Logger 实例。
//
// 示例:
//
//	var log = logger.Logger("discovery")
//	log.Info("peer found", "peer", peerID)
func Logger(subsystem string) *slog.Logger {
	// 尝试从缓存获取
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	// 创建新 Logger
	cfg := ConfigFromEnv()
	level := cfg.LevelForSubsystem(subsystem)

	handler := newHandler(subsystem, level, cfg.Format)
	logger := slog.New(handler)

	// 缓存
	actual, _ := loggers.LoadOrStore(subsystem, logger)
	return actual.(*slog.Logger)
}

// SetOutput 设置全局日志输出目标
//
// 必须在创建任何 Logger 之前调用，否则已创建的 Logger 不受影响。
// 建议在程序启动早期调用。
//
// 示例:
//
//	file, _ := os.OpenFile("app.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
//	logger.SetOutput(file)
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
	
	// 注意：由于使用了 dynamicWriter，无需清空已缓存的 loggers
	// 所有 logger 的输出会自动重定向到新的 writer
}

