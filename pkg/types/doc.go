// Package types 定义 overlay 网络平面的基础值类型
//
// 本包是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型（或小型不可变结构体），用于在路由、发现、
// DHT、Pub/Sub 等各个特性模块与调度器之间传递数据。
//
// NodeID、地址、连接与路由相关类型对应设计文档中的“数据模型”一节；
// Event/Action 对应“平面调度器”一节描述的 SANS-I/O 契约：每个子系统都是
// 消费定时事件、产生出站动作的纯状态机。
package types
