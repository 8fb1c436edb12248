// Package main is the planenode command line entry point: it loads a
// node's Config, wires a Dispatcher to a Transport through
// internal/host.Runtime, and runs until interrupted.
//
// Flags draw the same boundary config.Config's own doc comment does
// between "runtime parameters" and "persisted configuration": a
// handful of flags exist for quickly overriding identity and seeds on
// a single run, everything else (route table sizing, retransmit
// intervals, sticky windows, ...) belongs in the JSON file passed to
// -config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/plane/config"
	"github.com/relaymesh/plane/internal/core/dispatcher"
	"github.com/relaymesh/plane/internal/host"
	"github.com/relaymesh/plane/internal/metrics"
	"github.com/relaymesh/plane/internal/transport/loopback"
	"github.com/relaymesh/plane/internal/util/logger"
	"github.com/relaymesh/plane/pkg/interfaces"
	"github.com/relaymesh/plane/pkg/types"
)

var log = logger.Logger("planenode")

const (
	exitOK           = 0
	exitUsageError   = 2
	exitRuntimeError = 70 // sysexits EX_SOFTWARE
)

var (
	configFile  = flag.String("config", "", "path to a JSON config file (persisted configuration)")
	nodeIDFlag  = flag.String("node-id", "", "override the configured node id (decimal or 0x-hex)")
	portFlag    = flag.Int("port", 0, "local demo endpoint port advertised to discovery (0 = 4200)")
	seedsFlag   = flag.String("seeds", "", "comma-separated seed addresses, id@/ip4/host/scheme/port, overrides config")
	localTags   = flag.String("local-tags", "", "comma-separated tags this node advertises for manual discovery")
	connectTags = flag.String("connect-tags", "", "comma-separated tags this node requires from dial candidates")

	showVersion = flag.Bool("version", false, "print version information and exit")
	showHelp    = flag.Bool("help", false, "print usage and exit")
)

// version/commit are overwritten by -ldflags at release build time;
// left blank they simply don't print.
var (
	version = ""
	commit  = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion {
		printVersion()
		return exitOK
	}
	if *showHelp {
		printHelp()
		return exitOK
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitUsageError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitUsageError
	}
	if cfg.LogFile != "" {
		f, ferr := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if ferr != nil {
			fmt.Fprintf(os.Stderr, "config error: open log_file: %v\n", ferr)
			return exitUsageError
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	seeds, err := parseSeeds(*seedsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: bad -seeds: %v\n", err)
		return exitUsageError
	}
	if len(seeds) > 0 {
		cfg.Discovery.Seeds = nil
		for _, s := range seeds {
			cfg.Discovery.Seeds = append(cfg.Discovery.Seeds, s.String())
		}
	}
	if *localTags != "" {
		cfg.Discovery.LocalTags = splitTags(*localTags)
	}
	if *connectTags != "" {
		cfg.Discovery.ConnectTags = splitTags(*connectTags)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runNode(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %v\n", err)
		return exitRuntimeError
	}
	return exitOK
}

// loadConfig applies the file-then-flags priority described in the
// package doc: -config supplies the persisted base, -node-id overrides
// the single field a fresh JSON file rarely carries yet.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.NewConfig()
	}
	if *nodeIDFlag != "" {
		id, perr := types.ParseNodeID(*nodeIDFlag)
		if perr != nil {
			return nil, perr
		}
		cfg.NodeID = id
	}
	return cfg, nil
}

func parseSeeds(s string) ([]types.NodeAddress, error) {
	if s == "" {
		return nil, nil
	}
	var addrs []types.NodeAddress
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := types.ParseNodeAddress(part)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func splitTags(s string) []string {
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// runNode wires the composition root with fx and blocks until ctx is
// canceled (SIGINT/SIGTERM) or the run loop exits on its own.
//
// Wire-level transport is out of scope for this repository; this
// binary demonstrates the plane against internal/transport/loopback,
// an in-process Transport, rather than a real socket implementation.
func runNode(ctx context.Context, cfg *config.Config) error {
	port := *portFlag
	if port == 0 {
		port = 4200
	}
	seeds, err := seedAddresses(cfg)
	if err != nil {
		return err
	}

	localAddr := types.Endpoint{Scheme: "loopback", Host: cfg.NodeID.String(), Port: uint16(port)}

	var eg *errgroup.Group
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, seeds, localAddr, loopback.NewHub()),
		fx.Provide(
			func(cfg *config.Config, seeds []types.NodeAddress) *dispatcher.Dispatcher {
				return dispatcher.New(cfg, seeds, time.Now())
			},
			func(cfg *config.Config, hub *loopback.Hub, addr types.Endpoint) interfaces.Transport {
				return loopback.New(hub, cfg.NodeID, addr)
			},
			func(cfg *config.Config, d *dispatcher.Dispatcher, t interfaces.Transport, c *metrics.Collector) *host.Runtime {
				return host.New(cfg.NodeID, d, t, c)
			},
		),
		metrics.Module,
		fx.Invoke(func(lc fx.Lifecycle, runtime *host.Runtime) {
			var runCtx context.Context
			var cancelRun context.CancelFunc
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					runCtx, cancelRun = context.WithCancel(context.Background())
					eg, runCtx = errgroup.WithContext(runCtx)
					eg.Go(func() error { return runtime.Run(runCtx) })
					eg.Go(func() error { return consumeAppEvents(runCtx, runtime) })
					printNodeInfo(cfg, localAddr)
					return nil
				},
				OnStop: func(context.Context) error {
					cancelRun()
					err := runtime.Shutdown(time.Now())
					if eg != nil {
						_ = eg.Wait()
					}
					return err
				},
			})
		}),
	)

	if err := app.Start(context.Background()); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	<-ctx.Done()
	fmt.Println("\nshutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Stop(stopCtx)
}

func seedAddresses(cfg *config.Config) ([]types.NodeAddress, error) {
	var addrs []types.NodeAddress
	for _, s := range cfg.Discovery.Seeds {
		addr, err := types.ParseNodeAddress(s)
		if err != nil {
			return nil, fmt.Errorf("config: discovery.seeds: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// consumeAppEvents logs every background observation the runtime
// publishes; a real host embedding this package would range over
// runtime.AppEvents() itself instead.
func consumeAppEvents(ctx context.Context, runtime *host.Runtime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-runtime.AppEvents():
			if !ok {
				return nil
			}
			logAppEvent(evt)
		}
	}
}

func logAppEvent(evt types.AppEvent) {
	switch evt.Kind {
	case types.AppEventKVChanged:
		log.Debug("kv changed", "key", evt.Record.Key.String(), "version", evt.Record.Version)
	case types.AppEventPubSubData:
		log.Debug("pubsub data", "channel", evt.Channel, "bytes", len(evt.Data))
	case types.AppEventAliasResolved:
		log.Debug("alias resolved", "alias", evt.Alias, "owner", evt.Owner.String())
	case types.AppEventKVSubscriptionLost:
		log.Warn("kv subscription lost, resubscribe to keep receiving updates", "key", evt.Key.String())
	case types.AppEventPubSubSubscriptionLost:
		log.Warn("pubsub subscription lost, resubscribe to keep receiving updates", "channel", evt.Channel)
	case types.AppEventError:
		log.Warn("background error", "err", evt.Err)
	}
}

func printNodeInfo(cfg *config.Config, addr types.Endpoint) {
	fmt.Println()
	fmt.Println("planenode started")
	fmt.Printf("  node id:  %s\n", cfg.NodeID.String())
	fmt.Printf("  endpoint: %s\n", addr.String())
	fmt.Printf("  seeds:    %d configured\n", len(cfg.Discovery.Seeds))
	fmt.Println("  press Ctrl+C to exit")
	fmt.Println()
}

func printVersion() {
	v := version
	if v == "" {
		v = "dev"
	}
	fmt.Printf("planenode %s\n", v)
	if commit != "" {
		fmt.Printf("  commit: %s\n", commit)
	}
}

func printHelp() {
	fmt.Println("planenode - overlay network plane node")
	fmt.Println()
	fmt.Println("usage:")
	fmt.Println("  planenode [flags]")
	fmt.Println()
	flag.PrintDefaults()
}
