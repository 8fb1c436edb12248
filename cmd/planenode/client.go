// Client fan-in read path: §4.5 replicates every KV write to a key's
// two placements (key.Hash and key.ReplicaHash), so a Get answered
// locally by either replica is a hit. The dispatcher itself only ever
// resolves the single Key it was asked about (doKVGet); it is this
// layer's job to submit both placements concurrently and race them,
// grounded on the same errgroup fan-in idiom a Kademlia-style
// bounded-timeout peer probe uses to race concurrent lookups.
package main

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/plane/internal/core/kv"
	"github.com/relaymesh/plane/internal/host"
	"github.com/relaymesh/plane/pkg/types"
)

// Client is a synchronous convenience wrapper over a host.Runtime for
// callers that would rather block on a result than range over
// AppEvents themselves. It holds no state of its own beyond the
// runtime handle and a default Get timeout.
type Client struct {
	runtime    *host.Runtime
	getTimeout time.Duration
}

// NewClient wraps runtime. getTimeout bounds how long Get waits for a
// reply before returning ErrNotFound; 0 selects a 5s default, matching
// the dispatcher's own route_timeout default (config.DispatcherConfig).
func NewClient(runtime *host.Runtime, getTimeout time.Duration) *Client {
	if getTimeout <= 0 {
		getTimeout = 5 * time.Second
	}
	return &Client{runtime: runtime, getTimeout: getTimeout}
}

// Get races a read against both of key's replica placements and
// returns whichever answers first, local or remote. It returns
// types.ErrNotFound if neither placement produces a record before ctx
// (or the client's default timeout) expires.
func (c *Client) Get(ctx context.Context, key types.Key) (types.KeyValueRecord, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.getTimeout)
		defer cancel()
	}

	primary, replica := kv.ReplicaTargets(key)
	result := make(chan types.KeyValueRecord, 2)

	var g errgroup.Group
	for _, target := range [2]types.Key{primary, replica} {
		target := target
		g.Go(func() error {
			ch, cancelWait := c.runtime.AwaitKV(target)
			defer cancelWait()
			c.runtime.Submit(types.Command{Kind: types.CommandKVGet, Key: target})
			select {
			case rec := <-ch:
				result <- rec
			case <-ctx.Done():
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(result)
	}()

	select {
	case rec, ok := <-result:
		if !ok {
			return types.KeyValueRecord{}, types.ErrNotFound
		}
		return rec, nil
	case <-ctx.Done():
		return types.KeyValueRecord{}, types.ErrNotFound
	}
}

// Set writes value under key with the given version and ttl (0 = no
// expiry). Like every write in this system it is fire-and-forget from
// the caller's perspective: replication and retransmission happen
// underneath, and delivery is not exactly-once.
func (c *Client) Set(key types.Key, value []byte, version uint64, ttl time.Duration) {
	c.runtime.Submit(types.Command{Kind: types.CommandKVSet, Key: key, Value: value, Version: version, TTL: ttl})
}

// Del removes key at version.
func (c *Client) Del(key types.Key, version uint64) {
	c.runtime.Submit(types.Command{Kind: types.CommandKVDel, Key: key, Version: version})
}

// SubscribeKV registers standing interest in key; updates arrive on
// the runtime's shared AppEvents stream as AppEventKVChanged.
func (c *Client) SubscribeKV(key types.Key) {
	c.runtime.Submit(types.Command{Kind: types.CommandKVSubscribe, Key: key})
}

// UnsubscribeKV withdraws a prior SubscribeKV.
func (c *Client) UnsubscribeKV(key types.Key) {
	c.runtime.Submit(types.Command{Kind: types.CommandKVUnsubscribe, Key: key})
}

// SubscribeChannel joins a pub/sub relay tree; deliveries arrive on
// AppEvents as AppEventPubSubData.
func (c *Client) SubscribeChannel(ch types.Channel) {
	c.runtime.Submit(types.Command{Kind: types.CommandPubSubSubscribe, Channel: ch})
}

// UnsubscribeChannel withdraws a prior SubscribeChannel.
func (c *Client) UnsubscribeChannel(ch types.Channel) {
	c.runtime.Submit(types.Command{Kind: types.CommandPubSubUnsubscribe, Channel: ch})
}

// Publish sends data down ch's relay tree.
func (c *Client) Publish(ch types.Channel, data []byte) {
	c.runtime.Submit(types.Command{Kind: types.CommandPubSubPublish, Channel: ch, Data: data})
}

// RegisterAlias claims alias for this node.
func (c *Client) RegisterAlias(alias uint64) {
	c.runtime.Submit(types.Command{Kind: types.CommandAliasRegister, Alias: alias})
}

// UnregisterAlias releases a previously claimed alias.
func (c *Client) UnregisterAlias(alias uint64) {
	c.runtime.Submit(types.Command{Kind: types.CommandAliasUnregister, Alias: alias})
}

// LookupAlias resolves alias to its owner; the answer arrives on
// AppEvents as AppEventAliasResolved.
func (c *Client) LookupAlias(alias uint64) {
	c.runtime.Submit(types.Command{Kind: types.CommandAliasLookup, Alias: alias})
}
