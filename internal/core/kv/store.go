// Package kv 实现设计文档 4.5 节的键值/DHT 特性：最近节点放置、多源
// 值共存、双写位副本、带会话锁定的订阅。
package kv

import (
	"time"

	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("kv")

// Store 是单个节点本地持有的 KV 记录索引，按 (Key, Source) 分组，
// 组内取最高版本，不同来源彼此独立共存（3. 数据模型的冲突规则）。
type Store struct {
	records map[types.Key]map[types.RecordSource]types.KeyValueRecord
}

// NewStore 构造一个空 Store。
func NewStore() *Store {
	return &Store{records: make(map[types.Key]map[types.RecordSource]types.KeyValueRecord)}
}

// Apply 尝试写入一条记录（Set 路径）。仅当同 (Key, Source) 分组内不存
// 在相同或更新版本时才接受，返回是否实际写入。幂等：重复投递相同版本
// 不覆盖已有记录并返回 false（ack 幂等语义交由调用方处理）。
func (s *Store) Apply(rec types.KeyValueRecord) bool {
	bySource, ok := s.records[rec.Key]
	if !ok {
		bySource = make(map[types.RecordSource]types.KeyValueRecord)
		s.records[rec.Key] = bySource
	}
	existing, ok := bySource[rec.Source]
	if ok && existing.Version >= rec.Version {
		return false
	}
	bySource[rec.Source] = rec
	return true
}

// Delete 应用一次删除（Del 路径）：只有当给定版本不低于已知版本时才
// 生效，生效方式是写入一个立即过期的空值墓碑记录，保留版本号用于
// 未来 Set/Del 的单调性判断。
func (s *Store) Delete(key types.Key, source types.RecordSource, version uint64, now time.Time) bool {
	bySource, ok := s.records[key]
	if ok {
		if existing, ok := bySource[source]; ok && existing.Version > version {
			return false
		}
	}
	tombstone := types.KeyValueRecord{
		Key:       key,
		Source:    source,
		Version:   version,
		ExpiresAt: now.Add(-time.Nanosecond),
	}
	if bySource == nil {
		bySource = make(map[types.RecordSource]types.KeyValueRecord)
		s.records[key] = bySource
	}
	bySource[source] = tombstone
	return true
}

// Get 返回给定 key 下所有未过期来源的当前记录快照（多源值合并展示，
// 由调用方/应用层进一步处理）。
func (s *Store) Get(key types.Key, now time.Time) []types.KeyValueRecord {
	bySource, ok := s.records[key]
	if !ok {
		return nil
	}
	out := make([]types.KeyValueRecord, 0, len(bySource))
	for _, rec := range bySource {
		if rec.IsExpired(now) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Sweep 移除所有已过期的记录，返回被清除的数量；调用方在 TTL 相关
// 的周期性 tick 上调用。
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for key, bySource := range s.records {
		for source, rec := range bySource {
			if rec.IsExpired(now) {
				delete(bySource, source)
				removed++
			}
		}
		if len(bySource) == 0 {
			delete(s.records, key)
		}
	}
	return removed
}

// ReplicaTargets 返回一次写入应当投递到的两个定位键：key 本身与其
// XOR 0x80808080 复制对（4.5 节 "Replication" 规则）。
func ReplicaTargets(key types.Key) (types.Key, types.Key) {
	return key, types.Key{Hash: key.ReplicaHash(), Subkey: key.Subkey}
}

// Keys 返回本节点当前至少持有一条记录的全部不同 key，供周期性的
// 复制对账 tick 枚举本地放置以寻找其复制对。
func (s *Store) Keys() []types.Key {
	out := make([]types.Key, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	return out
}

// RecordCount 返回本地持有的记录总数（跨全部 key/source），供指标
// 采集使用；不区分是否已过期。
func (s *Store) RecordCount() int {
	total := 0
	for _, bySource := range s.records {
		total += len(bySource)
	}
	return total
}
