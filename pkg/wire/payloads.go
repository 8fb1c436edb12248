package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/relaymesh/plane/pkg/types"
)

// This file implements the fixed little-endian field layouts named in
// §6: NodeId is 4 bytes, session/uuid fields are 4 bytes, and a metric
// is rtt:u16, bw:u32, loss:u16, cost:u16. Only the encode/decode pairs
// exercised by the current feature set are implemented; every closed
// service id's control-plane messages route through these helpers so
// the wire format has exactly one authoritative implementation.

func putNodeID(b []byte, id types.NodeID) { binary.LittleEndian.PutUint32(b, uint32(id)) }
func getNodeID(b []byte) types.NodeID     { return types.NodeID(binary.LittleEndian.Uint32(b)) }

func putMetric(b []byte, m types.LinkMetric) {
	binary.LittleEndian.PutUint16(b[0:2], m.RTTMs)
	binary.LittleEndian.PutUint32(b[2:6], m.BandwidthKbps)
	binary.LittleEndian.PutUint16(b[6:8], m.LossPermille)
	binary.LittleEndian.PutUint16(b[8:10], m.Cost)
}

func getMetric(b []byte) types.LinkMetric {
	return types.LinkMetric{
		RTTMs:         binary.LittleEndian.Uint16(b[0:2]),
		BandwidthKbps: binary.LittleEndian.Uint32(b[2:6]),
		LossPermille:  binary.LittleEndian.Uint16(b[6:8]),
		Cost:          binary.LittleEndian.Uint16(b[8:10]),
	}
}

const metricLen = 10

// --- Router-Sync item (service 1) -----------------------------------

// SyncItem is the wire shape of one router-sync advertisement.
type SyncItem struct {
	Layer        uint8
	DestLayerKey uint8
	Metric       types.LinkMetric
	Hops         uint8
	Session      uint32
	Services     types.AdvertisedServices
}

const syncItemLen = 1 + 1 + metricLen + 1 + 4 + 4

// putServiceBitmap packs adv into a 32-bit mask, one bit per
// ServiceAdvertID (bit i-1 set for id i). The closed set of ids fits
// well inside 32 bits; ids beyond that range are silently dropped.
func putServiceBitmap(adv types.AdvertisedServices) uint32 {
	var bits uint32
	for svc := range adv {
		if svc >= 1 && svc <= 32 {
			bits |= 1 << uint(svc-1)
		}
	}
	return bits
}

func getServiceBitmap(bits uint32) types.AdvertisedServices {
	if bits == 0 {
		return nil
	}
	adv := make(types.AdvertisedServices)
	for i := uint(0); i < 32; i++ {
		if bits&(1<<i) != 0 {
			adv[types.ServiceAdvertID(i+1)] = struct{}{}
		}
	}
	return adv
}

// EncodeSyncFrame lays out a full router-sync payload: 4-byte epoch,
// 2-byte item count, then each item back to back.
func EncodeSyncFrame(epoch uint32, items []SyncItem) []byte {
	buf := make([]byte, 4+2+len(items)*syncItemLen)
	binary.LittleEndian.PutUint32(buf[0:4], epoch)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(items)))
	off := 6
	for _, it := range items {
		buf[off] = it.Layer
		buf[off+1] = it.DestLayerKey
		putMetric(buf[off+2:off+2+metricLen], it.Metric)
		buf[off+2+metricLen] = it.Hops
		binary.LittleEndian.PutUint32(buf[off+3+metricLen:off+7+metricLen], it.Session)
		binary.LittleEndian.PutUint32(buf[off+7+metricLen:off+11+metricLen], putServiceBitmap(it.Services))
		off += syncItemLen
	}
	return buf
}

// DecodeSyncFrame parses a router-sync payload produced by EncodeSyncFrame.
func DecodeSyncFrame(payload []byte) (epoch uint32, items []SyncItem, err error) {
	if len(payload) < 6 {
		return 0, nil, fmt.Errorf("wire: sync frame too short")
	}
	epoch = binary.LittleEndian.Uint32(payload[0:4])
	count := int(binary.LittleEndian.Uint16(payload[4:6]))
	off := 6
	for i := 0; i < count; i++ {
		if off+syncItemLen > len(payload) {
			return 0, nil, fmt.Errorf("wire: sync frame truncated at item %d", i)
		}
		items = append(items, SyncItem{
			Layer:        payload[off],
			DestLayerKey: payload[off+1],
			Metric:       getMetric(payload[off+2 : off+2+metricLen]),
			Hops:         payload[off+2+metricLen],
			Session:      binary.LittleEndian.Uint32(payload[off+3+metricLen : off+7+metricLen]),
			Services:     getServiceBitmap(binary.LittleEndian.Uint32(payload[off+7+metricLen : off+11+metricLen])),
		})
		off += syncItemLen
	}
	return epoch, items, nil
}

// --- Keepalive (service 6) ------------------------------------------

// EncodePing encodes an empty keepalive probe; RTT is measured by the
// caller from send/receive timestamps, not carried on the wire.
func EncodePing() []byte { return nil }

// --- Node-Alias (service 4) ------------------------------------------

// EncodeAliasRegister lays out Register(alias, owner, hops_remaining).
func EncodeAliasRegister(alias uint64, owner types.NodeID, hopsRemaining uint8) []byte {
	buf := make([]byte, 8+4+1)
	binary.LittleEndian.PutUint64(buf[0:8], alias)
	putNodeID(buf[8:12], owner)
	buf[12] = hopsRemaining
	return buf
}

// DecodeAliasRegister parses a Register payload.
func DecodeAliasRegister(payload []byte) (alias uint64, owner types.NodeID, hopsRemaining uint8, err error) {
	if len(payload) != 13 {
		return 0, types.EmptyNodeID, 0, fmt.Errorf("wire: alias register payload malformed")
	}
	alias = binary.LittleEndian.Uint64(payload[0:8])
	owner = getNodeID(payload[8:12])
	hopsRemaining = payload[12]
	return alias, owner, hopsRemaining, nil
}

// EncodeAliasScan lays out Scan(alias).
func EncodeAliasScan(alias uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, alias)
	return buf
}

// DecodeAliasScan parses a Scan payload.
func DecodeAliasScan(payload []byte) (alias uint64, err error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("wire: alias scan payload malformed")
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// EncodeAliasScanReply lays out ScanReply(alias, owner, found).
func EncodeAliasScanReply(alias uint64, owner types.NodeID, found bool) []byte {
	buf := make([]byte, 8+4+1)
	binary.LittleEndian.PutUint64(buf[0:8], alias)
	putNodeID(buf[8:12], owner)
	if found {
		buf[12] = 1
	}
	return buf
}

// DecodeAliasScanReply parses a ScanReply payload.
func DecodeAliasScanReply(payload []byte) (alias uint64, owner types.NodeID, found bool, err error) {
	if len(payload) != 13 {
		return 0, types.EmptyNodeID, false, fmt.Errorf("wire: alias scan reply payload malformed")
	}
	alias = binary.LittleEndian.Uint64(payload[0:8])
	owner = getNodeID(payload[8:12])
	found = payload[12] != 0
	return alias, owner, found, nil
}

// --- Pub/Sub (service 3) ----------------------------------------------

// EncodePubSubSub lays out Sub(channel_source, channel_id, uuid).
func EncodePubSubSub(ch types.Channel, uuid uint64) []byte {
	buf := make([]byte, 4+8+8)
	putNodeID(buf[0:4], ch.Source)
	binary.LittleEndian.PutUint64(buf[4:12], ch.ChannelID)
	binary.LittleEndian.PutUint64(buf[12:20], uuid)
	return buf
}

// DecodePubSubSub parses a Sub payload.
func DecodePubSubSub(payload []byte) (ch types.Channel, uuid uint64, err error) {
	if len(payload) != 20 {
		return types.Channel{}, 0, fmt.Errorf("wire: pubsub sub payload malformed")
	}
	ch = types.Channel{Source: getNodeID(payload[0:4]), ChannelID: binary.LittleEndian.Uint64(payload[4:12])}
	uuid = binary.LittleEndian.Uint64(payload[12:20])
	return ch, uuid, nil
}

// EncodePubSubData lays out Data(channel_source, channel_id, data...).
func EncodePubSubData(ch types.Channel, data []byte) []byte {
	buf := make([]byte, 4+8+len(data))
	putNodeID(buf[0:4], ch.Source)
	binary.LittleEndian.PutUint64(buf[4:12], ch.ChannelID)
	copy(buf[12:], data)
	return buf
}

// DecodePubSubData parses a Data payload.
func DecodePubSubData(payload []byte) (ch types.Channel, data []byte, err error) {
	if len(payload) < 12 {
		return types.Channel{}, nil, fmt.Errorf("wire: pubsub data payload malformed")
	}
	ch = types.Channel{Source: getNodeID(payload[0:4]), ChannelID: binary.LittleEndian.Uint64(payload[4:12])}
	data = append([]byte(nil), payload[12:]...)
	return ch, data, nil
}

// --- Key-Value (service 2) --------------------------------------------

// EncodeKVSet lays out Set(key_hash, subkey, source_node, source_session,
// version, ttl_ms, relay_session, value...). relaySession is 0 on the
// client-write path (the writer does not know one yet); a responsible or
// forwarding node pushing this record down its subscription relay tree
// stamps its currently confirmed relay_session so downstream session
// locking (§4.5) can validate it.
func EncodeKVSet(key types.Key, source types.RecordSource, version uint64, ttlMs uint32, relaySession uint32, value []byte) []byte {
	buf := make([]byte, 4+1+4+4+8+4+4+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], key.Hash)
	buf[4] = key.Subkey
	putNodeID(buf[5:9], source.Node)
	binary.LittleEndian.PutUint32(buf[9:13], source.Session)
	binary.LittleEndian.PutUint64(buf[13:21], version)
	binary.LittleEndian.PutUint32(buf[21:25], ttlMs)
	binary.LittleEndian.PutUint32(buf[25:29], relaySession)
	copy(buf[29:], value)
	return buf
}

// DecodeKVSet parses a Set payload.
func DecodeKVSet(payload []byte) (key types.Key, source types.RecordSource, version uint64, ttlMs uint32, relaySession uint32, value []byte, err error) {
	if len(payload) < 29 {
		return types.Key{}, types.RecordSource{}, 0, 0, 0, nil, fmt.Errorf("wire: kv set payload malformed")
	}
	key = types.Key{Hash: binary.LittleEndian.Uint32(payload[0:4]), Subkey: payload[4]}
	source = types.RecordSource{Node: getNodeID(payload[5:9]), Session: binary.LittleEndian.Uint32(payload[9:13])}
	version = binary.LittleEndian.Uint64(payload[13:21])
	ttlMs = binary.LittleEndian.Uint32(payload[21:25])
	relaySession = binary.LittleEndian.Uint32(payload[25:29])
	value = append([]byte(nil), payload[29:]...)
	return key, source, version, ttlMs, relaySession, value, nil
}

// EncodeKVAck lays out an OpID-carrying ACK (SetOk/DelOk/SubOk/UnsubOk/OnSetAck shape).
func EncodeKVAck(opID uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, opID)
	return buf
}

// DecodeKVAck parses an ACK payload carrying only an op id (§6: "ACK frames carry the op-id of the acked frame").
func DecodeKVAck(payload []byte) (opID uint32, err error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("wire: ack payload malformed")
	}
	return binary.LittleEndian.Uint32(payload), nil
}

func putKey(b []byte, k types.Key) {
	binary.LittleEndian.PutUint32(b[0:4], k.Hash)
	b[4] = k.Subkey
}

func getKey(b []byte) types.Key {
	return types.Key{Hash: binary.LittleEndian.Uint32(b[0:4]), Subkey: b[4]}
}

const keyLen = 5

// EncodeKVDel lays out Del(key, source_node, source_session, version,
// relay_session), the same envelope as Set minus the value, per §4.5's
// tombstone rule. relaySession follows the same convention as EncodeKVSet.
func EncodeKVDel(key types.Key, source types.RecordSource, version uint64, relaySession uint32) []byte {
	buf := make([]byte, keyLen+4+4+8+4)
	putKey(buf[0:keyLen], key)
	putNodeID(buf[keyLen:keyLen+4], source.Node)
	binary.LittleEndian.PutUint32(buf[keyLen+4:keyLen+8], source.Session)
	binary.LittleEndian.PutUint64(buf[keyLen+8:keyLen+16], version)
	binary.LittleEndian.PutUint32(buf[keyLen+16:keyLen+20], relaySession)
	return buf
}

// DecodeKVDel parses a Del payload.
func DecodeKVDel(payload []byte) (key types.Key, source types.RecordSource, version uint64, relaySession uint32, err error) {
	if len(payload) != keyLen+20 {
		return types.Key{}, types.RecordSource{}, 0, 0, fmt.Errorf("wire: kv del payload malformed")
	}
	key = getKey(payload[0:keyLen])
	source = types.RecordSource{Node: getNodeID(payload[keyLen : keyLen+4]), Session: binary.LittleEndian.Uint32(payload[keyLen+4 : keyLen+8])}
	version = binary.LittleEndian.Uint64(payload[keyLen+8 : keyLen+16])
	relaySession = binary.LittleEndian.Uint32(payload[keyLen+16 : keyLen+20])
	return key, source, version, relaySession, nil
}

// ReplicaVectorEntry is one (source, version) pair of the version vector
// exchanged by the periodic replication reconcile pass (§4.5 Replication).
type ReplicaVectorEntry struct {
	Source  types.RecordSource
	Version uint64
}

const replicaVectorEntryLen = 4 + 4 + 8

// EncodeKVReplicaSync lays out ReplicaSync(key, count, [source_node,
// source_session, version]...): the sender's full version vector for
// every (key, source) it locally holds, so the receiver can push back
// whichever entries it holds a newer version of.
func EncodeKVReplicaSync(key types.Key, vector []ReplicaVectorEntry) []byte {
	buf := make([]byte, keyLen+2+len(vector)*replicaVectorEntryLen)
	putKey(buf[0:keyLen], key)
	binary.LittleEndian.PutUint16(buf[keyLen:keyLen+2], uint16(len(vector)))
	off := keyLen + 2
	for _, v := range vector {
		putNodeID(buf[off:off+4], v.Source.Node)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], v.Source.Session)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], v.Version)
		off += replicaVectorEntryLen
	}
	return buf
}

// DecodeKVReplicaSync parses a ReplicaSync payload produced by
// EncodeKVReplicaSync.
func DecodeKVReplicaSync(payload []byte) (key types.Key, vector []ReplicaVectorEntry, err error) {
	if len(payload) < keyLen+2 {
		return types.Key{}, nil, fmt.Errorf("wire: kv replica sync payload malformed")
	}
	key = getKey(payload[0:keyLen])
	count := int(binary.LittleEndian.Uint16(payload[keyLen : keyLen+2]))
	off := keyLen + 2
	for i := 0; i < count; i++ {
		if off+replicaVectorEntryLen > len(payload) {
			return types.Key{}, nil, fmt.Errorf("wire: kv replica sync payload truncated at entry %d", i)
		}
		vector = append(vector, ReplicaVectorEntry{
			Source:  types.RecordSource{Node: getNodeID(payload[off : off+4]), Session: binary.LittleEndian.Uint32(payload[off+4 : off+8])},
			Version: binary.LittleEndian.Uint64(payload[off+8 : off+16]),
		})
		off += replicaVectorEntryLen
	}
	return key, vector, nil
}

// EncodeKVSub lays out Sub(key, sub_session).
func EncodeKVSub(key types.Key, subSession uint32) []byte {
	buf := make([]byte, keyLen+4)
	putKey(buf[0:keyLen], key)
	binary.LittleEndian.PutUint32(buf[keyLen:keyLen+4], subSession)
	return buf
}

// DecodeKVSub parses a Sub payload.
func DecodeKVSub(payload []byte) (key types.Key, subSession uint32, err error) {
	if len(payload) != keyLen+4 {
		return types.Key{}, 0, fmt.Errorf("wire: kv sub payload malformed")
	}
	return getKey(payload[0:keyLen]), binary.LittleEndian.Uint32(payload[keyLen : keyLen+4]), nil
}

// EncodeKVSubOk lays out SubOk(key, relay_session).
func EncodeKVSubOk(key types.Key, relaySession uint32) []byte {
	return EncodeKVSub(key, relaySession)
}

// DecodeKVSubOk parses a SubOk payload.
func DecodeKVSubOk(payload []byte) (key types.Key, relaySession uint32, err error) {
	return DecodeKVSub(payload)
}

// EncodeKVUnsub lays out Unsub(key).
func EncodeKVUnsub(key types.Key) []byte {
	buf := make([]byte, keyLen)
	putKey(buf, key)
	return buf
}

// DecodeKVUnsub parses an Unsub payload.
func DecodeKVUnsub(payload []byte) (key types.Key, err error) {
	if len(payload) != keyLen {
		return types.Key{}, fmt.Errorf("wire: kv unsub payload malformed")
	}
	return getKey(payload), nil
}

// --- RPC (service 5): DHT Get request/response -------------------------
//
// The reserved request/response service carries the Key-Value feature's
// point lookup, which needs a reply shape Set/Ack cannot express (found
// vs not-found plus the resolved value).

// EncodeRPCGet lays out GetRequest(key).
func EncodeRPCGet(key types.Key) []byte {
	buf := make([]byte, keyLen)
	putKey(buf, key)
	return buf
}

// DecodeRPCGet parses a GetRequest payload.
func DecodeRPCGet(payload []byte) (key types.Key, err error) {
	if len(payload) != keyLen {
		return types.Key{}, fmt.Errorf("wire: rpc get payload malformed")
	}
	return getKey(payload), nil
}

// EncodeRPCGetReply lays out GetReply(key, found, source_node,
// source_session, version, value...). When found is false the trailing
// fields are zero-valued and value is empty.
func EncodeRPCGetReply(key types.Key, found bool, source types.RecordSource, version uint64, value []byte) []byte {
	buf := make([]byte, keyLen+1+4+4+8+len(value))
	putKey(buf[0:keyLen], key)
	if found {
		buf[keyLen] = 1
	}
	off := keyLen + 1
	putNodeID(buf[off:off+4], source.Node)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], source.Session)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], version)
	copy(buf[off+16:], value)
	return buf
}

// DecodeRPCGetReply parses a GetReply payload.
func DecodeRPCGetReply(payload []byte) (key types.Key, found bool, source types.RecordSource, version uint64, value []byte, err error) {
	if len(payload) < keyLen+17 {
		return types.Key{}, false, types.RecordSource{}, 0, nil, fmt.Errorf("wire: rpc get reply payload malformed")
	}
	key = getKey(payload[0:keyLen])
	found = payload[keyLen] != 0
	off := keyLen + 1
	source = types.RecordSource{Node: getNodeID(payload[off : off+4]), Session: binary.LittleEndian.Uint32(payload[off+4 : off+8])}
	version = binary.LittleEndian.Uint64(payload[off+8 : off+16])
	value = append([]byte(nil), payload[off+16:]...)
	return key, found, source, version, value, nil
}

// --- Manual Discovery (service 7) --------------------------------------

// EncodeDiscoveryTags lays out the tag-handshake control frame exchanged
// immediately after a link comes up: a 2-byte count followed by each tag
// as a 1-byte length prefix plus its bytes.
func EncodeDiscoveryTags(tags []string) []byte {
	size := 2
	for _, t := range tags {
		size += 1 + len(t)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(tags)))
	off := 2
	for _, t := range tags {
		buf[off] = byte(len(t))
		copy(buf[off+1:], t)
		off += 1 + len(t)
	}
	return buf
}

// DecodeDiscoveryTags parses a tag-handshake payload.
func DecodeDiscoveryTags(payload []byte) (tags []string, err error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("wire: discovery tags payload too short")
	}
	count := int(binary.LittleEndian.Uint16(payload[0:2]))
	off := 2
	for i := 0; i < count; i++ {
		if off >= len(payload) {
			return nil, fmt.Errorf("wire: discovery tags payload truncated at tag %d", i)
		}
		n := int(payload[off])
		off++
		if off+n > len(payload) {
			return nil, fmt.Errorf("wire: discovery tags payload truncated at tag %d", i)
		}
		tags = append(tags, string(payload[off:off+n]))
		off += n
	}
	return tags, nil
}
