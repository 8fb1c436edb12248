// Package host drives internal/core/dispatcher.Dispatcher from a
// single goroutine against a real interfaces.Transport, translating
// its Actions into Transport calls and Transport occurrences back
// into Events. This is the effectful half of the sans-io split
// described in §1/§5: the dispatcher stays a pure state machine, this
// package is where "single-threaded cooperatively" actually runs.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/relaymesh/plane/internal/core/dispatcher"
	"github.com/relaymesh/plane/internal/metrics"
	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/interfaces"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("host")

// Runtime owns the Dispatcher/Transport pair and the small amount of
// bookkeeping the dispatcher itself must not hold: the current ConnId
// minted per remote (the dispatcher's registry knows it, but never
// hands it back except embedded in the Actions it emits) and the set
// of application-layer goroutines awaiting a KV record for a key.
type Runtime struct {
	self       types.NodeID
	dispatcher *dispatcher.Dispatcher
	transport  interfaces.Transport
	collector  *metrics.Collector
	clk        clock.Clock

	metricsInterval time.Duration

	connByRemote map[types.NodeID]types.ConnId

	commands  chan types.Command
	appEvents chan types.AppEvent

	kvWaitersMu sync.Mutex
	kvWaiters   map[types.Key][]chan types.KeyValueRecord
}

// Option configures optional Runtime behavior.
type Option func(*Runtime)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) { r.clk = c }
}

// WithMetricsInterval overrides the default 5s metrics polling period.
func WithMetricsInterval(d time.Duration) Option {
	return func(r *Runtime) { r.metricsInterval = d }
}

// New constructs a Runtime around an already-configured Dispatcher.
func New(self types.NodeID, d *dispatcher.Dispatcher, t interfaces.Transport, c *metrics.Collector, opts ...Option) *Runtime {
	r := &Runtime{
		self:            self,
		dispatcher:      d,
		transport:       t,
		collector:       c,
		clk:             clock.New(),
		metricsInterval: 5 * time.Second,
		connByRemote:    make(map[types.NodeID]types.ConnId),
		commands:        make(chan types.Command, 64),
		appEvents:       make(chan types.AppEvent, 256),
		kvWaiters:       make(map[types.Key][]chan types.KeyValueRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AppEvents returns the stream of background observation events
// (errors, pub/sub deliveries, alias resolutions) applications should
// range over.
func (r *Runtime) AppEvents() <-chan types.AppEvent { return r.appEvents }

// Submit enqueues an application command for the run loop to process
// on its next iteration; it never blocks the caller on the result.
func (r *Runtime) Submit(cmd types.Command) {
	r.commands <- cmd
}

// AwaitKV registers ch to receive the next KeyValueRecord observed
// for key (local application or Get reply) and returns an unregister
// func the caller must invoke once done, even on timeout.
func (r *Runtime) AwaitKV(key types.Key) (<-chan types.KeyValueRecord, func()) {
	ch := make(chan types.KeyValueRecord, 1)
	r.kvWaitersMu.Lock()
	r.kvWaiters[key] = append(r.kvWaiters[key], ch)
	r.kvWaitersMu.Unlock()
	return ch, func() {
		r.kvWaitersMu.Lock()
		defer r.kvWaitersMu.Unlock()
		waiters := r.kvWaiters[key]
		for i, w := range waiters {
			if w == ch {
				r.kvWaiters[key] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
	}
}

// Run drives the event loop until ctx is cancelled or the transport's
// event channel closes.
func (r *Runtime) Run(ctx context.Context) error {
	metricsTicker := r.clk.Ticker(r.metricsInterval)
	defer metricsTicker.Stop()

	for {
		var deadlineC <-chan time.Time
		var timer *clock.Timer
		if next, ok := r.dispatcher.NextDeadline(); ok {
			d := next.Sub(r.clk.Now())
			if d < 0 {
				d = 0
			}
			timer = r.clk.Timer(d)
			deadlineC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil

		case ev, ok := <-r.transport.Events():
			stopTimer(timer)
			if !ok {
				return nil
			}
			r.dispatch(r.resolve(ev))

		case cmd := <-r.commands:
			stopTimer(timer)
			r.dispatch(types.Event{Kind: types.EventCommand, Now: r.clk.Now(), Command: cmd})

		case <-metricsTicker.C:
			stopTimer(timer)
			r.collector.Report(toMetricsSnapshot(r.dispatcher.MetricsSnapshot()))

		case <-deadlineC:
			r.dispatch(types.Event{Kind: types.EventTick, Now: r.clk.Now()})
		}
	}
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// resolve substitutes the dispatcher's own currently minted ConnId
// (with the correct epoch, known only to its registry) for the bare
// remote-keyed ConnId a Transport hands back on frame/down/measurement
// events; Transport never sees epochs, only remote identities.
func (r *Runtime) resolve(ev types.Event) types.Event {
	ev.Now = r.clk.Now()
	switch ev.Kind {
	case types.EventFrame, types.EventConnDown, types.EventMeasurement:
		if id, ok := r.connByRemote[ev.Conn.Remote]; ok {
			ev.Conn = id
		}
	}
	return ev
}

func (r *Runtime) dispatch(ev types.Event) {
	actions := r.dispatcher.Step(ev)
	r.learnConns(actions)
	for _, a := range actions {
		r.execute(a)
	}
}

// learnConns caches the ConnId of every action the dispatcher just
// emitted, so future inbound Transport events for that remote resolve
// to the epoch the registry actually minted.
func (r *Runtime) learnConns(actions []types.Action) {
	for _, a := range actions {
		if a.Conn.IsZero() {
			continue
		}
		if a.Kind == types.ActionDisconnect {
			delete(r.connByRemote, a.Conn.Remote)
			continue
		}
		r.connByRemote[a.Conn.Remote] = a.Conn
	}
}

func (r *Runtime) execute(a types.Action) {
	switch a.Kind {
	case types.ActionSend:
		if err := r.transport.Send(a.Conn, a.Frame); err != nil {
			log.Debug("transport send failed", "conn", a.Conn.String(), "err", err)
		}
	case types.ActionBroadcast:
		for _, conn := range r.connByRemote {
			if err := r.transport.Send(conn, a.Frame); err != nil {
				log.Debug("transport broadcast failed", "conn", conn.String(), "err", err)
			}
		}
	case types.ActionDial:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.transport.Dial(ctx, a.Address); err != nil {
			log.Debug("transport dial failed", "addr", a.Address.String(), "err", err)
		}
	case types.ActionDisconnect:
		if err := r.transport.Disconnect(a.Conn); err != nil {
			log.Debug("transport disconnect failed", "conn", a.Conn.String(), "err", err)
		}
	case types.ActionScheduleTimer, types.ActionCancelTimer:
		// the timer wheel lives inside Dispatcher itself (§4.9); the
		// host never schedules on its own.
	case types.ActionEmit:
		r.publish(a.AppEvent)
	}
}

func (r *Runtime) publish(evt types.AppEvent) {
	if evt.Kind == types.AppEventKVChanged {
		r.kvWaitersMu.Lock()
		waiters := r.kvWaiters[evt.Record.Key]
		r.kvWaitersMu.Unlock()
		for _, ch := range waiters {
			select {
			case ch <- evt.Record:
			default:
			}
		}
	}
	select {
	case r.appEvents <- evt:
	default:
		log.Debug("app event stream full, dropping", "kind", evt.Kind)
	}
}

// Shutdown drains the dispatcher's best-effort teardown Actions
// (pub/sub Unsub notifications, §5) through Transport, aggregating
// any per-neighbor send failures with multierr rather than aborting
// on the first one: every neighbor deserves the notification
// attempt regardless of whether an earlier send failed.
func (r *Runtime) Shutdown(now time.Time) error {
	var err error
	for _, a := range r.dispatcher.Shutdown(now) {
		if a.Kind != types.ActionSend {
			continue
		}
		if sendErr := r.transport.Send(a.Conn, a.Frame); sendErr != nil {
			err = multierr.Append(err, sendErr)
		}
	}
	err = multierr.Append(err, r.transport.Close())
	return err
}

func toMetricsSnapshot(s dispatcher.MetricsSnapshot) metrics.Snapshot {
	return metrics.Snapshot{
		Connections:  s.Connections,
		RouteEntries: s.RouteEntries,
		KVRecords:    s.KVRecords,
		KVRelays:     s.KVRelays,
		PubSubRelays: s.PubSubRelays,
		AliasEntries: s.AliasEntries,
	}
}
