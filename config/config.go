// Package config 提供 overlay 网络平面的配置管理
//
// 采用与教师仓库相同的混合模式：主 Config 结构体嵌入若干子配置，
// 每个子配置有独立的 Default*() 构造函数，支持从 JSON 加载。
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/relaymesh/plane/pkg/types"
)

// RouterConfig 对应设计文档 4.2 节的路由表参数。
type RouterConfig struct {
	// RouteEntryTTL 路由表项在未被其 via 刷新的情况下的存活时间。
	RouteEntryTTL Duration `json:"route_entry_ttl"`
	// MaxHops 路由表项允许的最大跳数，超过则拒绝安装。
	MaxHops uint8 `json:"max_hops"`
	// CandidatesPerSlot 每个槽位保留的候选路由数（N，spec 要求 N>=2，默认 4）。
	CandidatesPerSlot int `json:"candidates_per_slot"`
}

// DefaultRouterConfig 返回 spec 4.2/8 节给出的默认值：30s TTL、16 跳、4 候选。
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RouteEntryTTL:     Duration(30 * time.Second),
		MaxHops:           16,
		CandidatesPerSlot: 4,
	}
}

// RouterSyncConfig 对应 4.3 节的周期同步参数。
type RouterSyncConfig struct {
	// SyncInterval 常规同步周期。
	SyncInterval Duration `json:"sync_interval"`
	// ImmediateSyncDebounce 路由变更后触发的去抖立即同步窗口。
	ImmediateSyncDebounce Duration `json:"immediate_sync_debounce"`
}

// DefaultRouterSyncConfig 返回 1s 周期、100ms 去抖窗口的默认值。
func DefaultRouterSyncConfig() RouterSyncConfig {
	return RouterSyncConfig{
		SyncInterval:          Duration(time.Second),
		ImmediateSyncDebounce: Duration(100 * time.Millisecond),
	}
}

// RegistryConfig 对应 4.1 节的连接注册表存活探测参数。
type RegistryConfig struct {
	// KeepaliveInterval 保活探测周期。
	KeepaliveInterval Duration `json:"keepalive_interval"`
	// MaxMissedKeepalives 判定链路死亡前允许的连续探测失败次数。
	MaxMissedKeepalives int `json:"max_missed_keepalives"`
	// SendQueueSize 每条连接的出站帧队列容量。
	SendQueueSize int `json:"send_queue_size"`
}

// DefaultRegistryConfig 返回 1s 探测、3 次失败判死、1024 队列容量的默认值。
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		KeepaliveInterval:   Duration(time.Second),
		MaxMissedKeepalives: 3,
		SendQueueSize:       1024,
	}
}

// DiscoveryConfig 对应 4.4 节的手动发现参数。
type DiscoveryConfig struct {
	LocalTags        []string      `json:"local_tags"`
	ConnectTags      []string      `json:"connect_tags"`
	Seeds            []string      `json:"seeds"`
	RequireTagMatch  bool          `json:"require_tag_match"`
	ReattemptEvery   Duration      `json:"reattempt_every"`
	BackoffBase      Duration      `json:"backoff_base"`
	BackoffMax       Duration      `json:"backoff_max"`
}

// DefaultDiscoveryConfig 返回 30s 重试间隔、5 分钟退避上限的默认值。
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		ReattemptEvery: Duration(30 * time.Second),
		BackoffBase:    Duration(30 * time.Second),
		BackoffMax:     Duration(5 * time.Minute),
	}
}

// KVConfig 对应 4.5 节的 DHT/键值特性参数。
type KVConfig struct {
	RetransmitInterval Duration `json:"retransmit_interval"`
	ReplicationSync    Duration `json:"replication_sync_interval"`
	MaxRetransmits     int      `json:"max_retransmits"`
	// LocalStoreEnabled 决定本节点是否实际持有键值副本。关闭时节点仍
	// 参与路由/转发，但即使拓扑上被判定为某个 key 的最近节点，也只
	// 转发给广告了 KeyValue 能力的邻居，自己从不落盘存储。
	LocalStoreEnabled bool `json:"local_store_enabled"`
}

// DefaultKVConfig 返回 2s 重传、10s 复制同步、5 次重传上限的默认值，
// 本地存储默认开启。
func DefaultKVConfig() KVConfig {
	return KVConfig{
		RetransmitInterval: Duration(2 * time.Second),
		ReplicationSync:    Duration(10 * time.Second),
		MaxRetransmits:     5,
		LocalStoreEnabled:  true,
	}
}

// PubSubConfig 对应 4.6 节的中继树发布订阅参数。
type PubSubConfig struct {
	StickyDuration Duration `json:"sticky_duration"`
	// RefreshInterval 是重新评估每条中继上游是否仍是最优候选的周期性
	// 检查间隔，独立于 Data 到达时触发的检查（4.6 粘性路由）。
	RefreshInterval Duration `json:"refresh_interval"`
}

// DefaultPubSubConfig 返回 5 分钟粘性窗口、30s 周期检查的默认值。
func DefaultPubSubConfig() PubSubConfig {
	return PubSubConfig{
		StickyDuration:  Duration(5 * time.Minute),
		RefreshInterval: Duration(30 * time.Second),
	}
}

// AliasConfig 对应 4.7 节的节点别名参数。
type AliasConfig struct {
	BroadcastTTL Duration `json:"-"`
	HopTTL       uint8    `json:"hop_ttl"`
	HintTimeout  Duration `json:"hint_timeout"`
	ScanTimeout  Duration `json:"scan_timeout"`
}

// DefaultAliasConfig 返回 6 跳 TTL、200ms 提示超时、1s 扫描超时的默认值。
func DefaultAliasConfig() AliasConfig {
	return AliasConfig{
		HopTTL:      6,
		HintTimeout: Duration(200 * time.Millisecond),
		ScanTimeout: Duration(time.Second),
	}
}

// DispatcherConfig 对应 4.8/5 节的调度循环参数。
type DispatcherConfig struct {
	// YieldAfterEvents 处理多少个事件后让出，使 I/O 有机会推进。
	YieldAfterEvents int `json:"yield_after_events"`
	// AckTimeoutRetries 重传上限后上报 AckTimeoutError 之前的重试次数。
	AckTimeoutRetries int `json:"ack_timeout_retries"`
	// RouteTimeout NoRoute 上报前的重试窗口。
	RouteTimeout Duration `json:"route_timeout"`
}

// DefaultDispatcherConfig 返回 64 事件让出、5 次重试、5s 路由超时的默认值。
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		YieldAfterEvents:  64,
		AckTimeoutRetries: 5,
		RouteTimeout:      Duration(5 * time.Second),
	}
}

// Config 是平面节点的完整配置结构。
type Config struct {
	NodeID     types.NodeID      `json:"node_id"`
	LogFile    string            `json:"log_file"`
	Router     RouterConfig      `json:"router"`
	RouterSync RouterSyncConfig  `json:"router_sync"`
	Registry   RegistryConfig    `json:"registry"`
	Discovery  DiscoveryConfig   `json:"discovery"`
	KV         KVConfig          `json:"kv"`
	PubSub     PubSubConfig      `json:"pubsub"`
	Alias      AliasConfig       `json:"alias"`
	Dispatcher DispatcherConfig  `json:"dispatcher"`
}

// NewConfig 返回填充了所有子配置默认值的 Config。
func NewConfig() *Config {
	return &Config{
		Router:     DefaultRouterConfig(),
		RouterSync: DefaultRouterSyncConfig(),
		Registry:   DefaultRegistryConfig(),
		Discovery:  DefaultDiscoveryConfig(),
		KV:         DefaultKVConfig(),
		PubSub:     DefaultPubSubConfig(),
		Alias:      DefaultAliasConfig(),
		Dispatcher: DefaultDispatcherConfig(),
	}
}

// Validate 校验配置是否满足启动前置条件；失败返回 *types.ConfigError。
func (c *Config) Validate() error {
	if c.NodeID.IsEmpty() {
		return &types.ConfigError{Field: "node_id", Reason: "must be non-zero"}
	}
	if c.Router.CandidatesPerSlot < 2 {
		return &types.ConfigError{Field: "router.candidates_per_slot", Reason: "must be >= 2"}
	}
	if c.Router.MaxHops == 0 {
		return &types.ConfigError{Field: "router.max_hops", Reason: "must be > 0"}
	}
	return nil
}

// LoadFile 从 JSON 文件加载配置，未出现的字段保留默认值。
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
