package types

import "time"

// ============================================================================
//                              Event - 入站事件
// ============================================================================//
// 设计说明（对应设计文档 "callback 风格行为+处理器层级" 一节）：源码中
// 每个服务的“行为 + 每连接处理器”多态派发，在这里被折叠为带标签的
// 变体消息（tagged union）与每个特性一个纯函数 step(state, event, now)。
// 携带副作用回到外部世界的“agent”被建模为 step 返回的只追加动作缓冲区。

// EventKind 标识一个入站事件的种类。
type EventKind int

const (
	// EventTick 定时器到期（时间轮到期项）。
	EventTick EventKind = iota
	// EventFrame 收到入站帧，携带来源 ConnId。
	EventFrame
	// EventConnUp 一条连接完成握手并上线。
	EventConnUp
	// EventConnDown 一条连接断开。
	EventConnDown
	// EventMeasurement 收到某条连接的新链路度量样本。
	EventMeasurement
	// EventCommand 应用层发起的命令（set/get/subscribe/...）。
	EventCommand
)

// Event 是调度循环消费的唯一输入类型。
type Event struct {
	Kind EventKind
	Now  time.Time

	// EventTick
	TimerID uint64

	// EventFrame / EventConnUp / EventConnDown / EventMeasurement
	Conn      ConnId
	Frame     Frame
	Metric    LinkMetric
	Direction Direction

	// EventCommand
	Command Command
}

// ============================================================================
//                              Action - 出站动作
// ============================================================================

// ActionKind 标识一个出站动作的种类。
type ActionKind int

const (
	// ActionSend 向指定连接发送一帧。
	ActionSend ActionKind = iota
	// ActionBroadcast 向所有活跃连接发送一帧。
	ActionBroadcast
	// ActionDial 请求 Transport 拨号至某个地址。
	ActionDial
	// ActionDisconnect 请求 Transport 断开某条连接。
	ActionDisconnect
	// ActionScheduleTimer 请求在 deadline 时触发一次 EventTick。
	ActionScheduleTimer
	// ActionCancelTimer 取消一个此前调度的定时器。
	ActionCancelTimer
	// ActionEmit 向应用层发布一个观测事件（错误、通知等）。
	ActionEmit
)

// Action 是 step 函数产生的唯一输出类型；调度器把它们原样转交给
// Transport 或应用层事件流，出站顺序与产生顺序一致（同一链路上）。
type Action struct {
	Kind ActionKind

	Conn    ConnId
	Frame   Frame
	Address NodeAddress

	TimerID  uint64
	Deadline time.Time

	AppEvent AppEvent
}

// ============================================================================
//                              Command - 应用层命令
// ============================================================================

// CommandKind 标识一个应用层命令。
type CommandKind int

const (
	CommandKVSet CommandKind = iota
	CommandKVDel
	CommandKVGet
	CommandKVSubscribe
	CommandKVUnsubscribe
	CommandPubSubSubscribe
	CommandPubSubUnsubscribe
	CommandPubSubPublish
	CommandAliasRegister
	CommandAliasUnregister
	CommandAliasLookup
)

// Command 携带应用层对某个特性的一次调用请求。
type Command struct {
	Kind CommandKind

	Key     Key
	Value   []byte
	Version uint64
	TTL     time.Duration

	Channel Channel
	Data    []byte

	Alias uint64
	Owner NodeID

	ReplyTo chan any
}

// ============================================================================
//                              AppEvent - 应用层观测事件
// ============================================================================

// AppEventKind 标识一次向应用层发布的观测事件的种类。
type AppEventKind int

const (
	AppEventKVChanged AppEventKind = iota
	AppEventPubSubData
	AppEventError
	AppEventAliasResolved
	// AppEventKVSubscriptionLost reports that a leaf key subscription was
	// torn down by an upstream relay failure rather than an explicit
	// Unsubscribe command; the application must re-issue Subscribe if it
	// still wants the key (4.5/4.6 Failure).
	AppEventKVSubscriptionLost
	// AppEventPubSubSubscriptionLost is AppEventKVSubscriptionLost's
	// channel-subscription counterpart.
	AppEventPubSubSubscriptionLost
)

// AppEvent 是发布在“专用事件流”上的后台观测事件（参见错误处理设计）。
type AppEvent struct {
	Kind    AppEventKind
	Record  KeyValueRecord
	Key     Key
	Channel Channel
	Data    []byte
	Err     error
	Alias   uint64
	Owner   NodeID
}
