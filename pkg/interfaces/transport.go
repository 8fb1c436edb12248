// Package interfaces 定义平面核心与宿主进程之间的协作者接口。
//
// 本文件定义 Transport 接口，是 internal/core/dispatcher 唯一的
// 副作用出口：dispatcher 本身保持纯 sans-io 状态机（§1），从不直接
// 持有 socket；宿主二进制（cmd/planenode）实现本接口，把
// Dispatcher.Step 产生的 Action 转译为真实的网络 I/O，并把网络上
// 发生的事情转译回 Event 喂给 Step。
package interfaces

import (
	"context"

	"github.com/relaymesh/plane/pkg/types"
)

// Transport 抽象一条到对等节点的字节管道。协议细节（帧格式）由
// pkg/wire 负责，Transport 只关心把已编码的字节送达和收取。
//
// 线级传输本身（拥塞控制、多路复用、NAT 穿透）不在本仓库范围内
// （Non-goals），Transport 的实现允许是尽力而为的简单 UDP 收发器。
type Transport interface {
	// Dial 向 addr 发起一次连接尝试；成功与否通过 Events() 返回的
	// EventConnUp/EventConnDown 异步报告，Dial 本身只报告拨号请求
	// 是否被接受排队。
	Dial(ctx context.Context, addr types.NodeAddress) error

	// Send 向 conn 发送一帧已编码字节。
	Send(conn types.ConnId, frame types.Frame) error

	// Disconnect 主动断开一条连接。
	Disconnect(conn types.ConnId) error

	// Events 返回入站事件流：帧到达、连接上下线、链路度量样本。
	// 宿主循环把每个到达的 Event 原样转交给 Dispatcher.Step。
	Events() <-chan types.Event

	// LocalAddr 返回本地监听端点，供发现/别名等特性广播自身可达地址。
	LocalAddr() types.Endpoint

	// Close 停止收发并释放底层资源。
	Close() error
}
