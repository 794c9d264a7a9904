package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chargie-project/chargied/pkg/api"
	"github.com/chargie-project/chargied/pkg/battery"
	"github.com/chargie-project/chargied/pkg/ble"
	"github.com/chargie-project/chargied/pkg/bus"
	"github.com/chargie-project/chargied/pkg/engine"
	"github.com/chargie-project/chargied/pkg/store"
)

// Configuration flags
var (
	listenAddr  = flag.String("listen", ":8765", "HTTP listen address")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass   = flag.String("redis-pass", "", "Redis password")
	redisDB     = flag.Int("redis-db", 0, "Redis database number")
	noRedis     = flag.Bool("no-redis", false, "Run without Redis persistence/broadcast")
	sysfsRoot   = flag.String("sysfs-root", battery.DefaultRoot, "Root of the power_supply sysfs tree")
	autoScan    = flag.Bool("auto-scan", true, "Start scanning for a device immediately on launch")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting chargied")
	log.Printf("Listen address: %s", *listenAddr)
	log.Printf("Sysfs root: %s", *sysfsRoot)

	cfg := engine.DefaultChargeConfig()

	var st *store.Store
	if !*noRedis {
		var err error
		st, err = store.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Printf("Warning: Redis unavailable, running without persistence: %v", err)
			st = nil
		} else {
			log.Printf("Connected to Redis at %s", *redisAddr)
			defer st.Close()

			if state, err := st.LoadChargeState(); err == nil {
				cfg.ChargeMax = state.ChargeMax
				cfg.ChargeMin = state.ChargeMin
				cfg.TelemetryIntervalS = state.TelemetryInterval
				cfg.PDMode = state.PDMode
				if err := cfg.Validate(); err != nil {
					log.Printf("Warning: persisted charge state is invalid, falling back to defaults: %v", err)
					cfg = engine.DefaultChargeConfig()
				} else {
					log.Printf("Loaded persisted charge configuration: %+v", cfg)
				}
			} else {
				log.Printf("No persisted charge state (%v), using defaults", err)
			}
		}
	}

	transport, err := ble.New()
	if err != nil {
		log.Fatalf("Failed to initialize BLE adapter: %v", err)
	}

	batReader := battery.New(*sysfsRoot)
	if !batReader.Available() {
		log.Printf("Warning: no battery/AC sysfs entries found under %s", *sysfsRoot)
	}

	var opts []engine.Option
	if st != nil {
		opts = append(opts, engine.WithPersist(func(c engine.ChargeConfig) {
			if err := st.SaveChargeState(c.ChargeMax, c.ChargeMin, c.TelemetryIntervalS, c.PDMode); err != nil {
				log.Printf("Warning: failed to persist charge state: %v", err)
			}
		}))
	}

	eng := engine.New(transport, batReader, cfg, opts...)

	eventBus := bus.New()
	eng.OnUpdate(func(snapshot engine.Snapshot) {
		eventBus.Publish(snapshot)
		if st != nil {
			if err := st.PublishStatus(snapshot); err != nil {
				log.Printf("Warning: failed to publish status: %v", err)
			}
		}
	})

	server := api.New(eng, eventBus)
	httpServer := &http.Server{Addr: *listenAddr, Handler: server}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()
	log.Printf("API listening on %s", *listenAddr)

	if st != nil {
		commands, stopWatch := st.WatchOverrideCommands(context.Background())
		defer stopWatch()
		go watchRemoteCommands(eng, commands)
	}

	if *autoScan {
		go eng.Start(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("Shutdown signal received")
	case <-server.ShutdownRequested():
		log.Printf("Shutdown requested via API")
	}

	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP server shutdown incomplete: %v", err)
	}

	log.Printf("Shutting down...")
}

// watchRemoteCommands translates commands pushed onto the Redis command
// list into engine calls, mirroring the teacher's WatchRedisCommands loop.
func watchRemoteCommands(eng *engine.Engine, commands <-chan string) {
	for cmd := range commands {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		switch cmd {
		case "override:on":
			if err := eng.SetOverride(ctx, "on"); err != nil {
				log.Printf("Warning: remote override:on failed: %v", err)
			}
		case "override:off":
			if err := eng.SetOverride(ctx, "off"); err != nil {
				log.Printf("Warning: remote override:off failed: %v", err)
			}
		case "override:auto":
			if err := eng.SetOverride(ctx, "auto"); err != nil {
				log.Printf("Warning: remote override:auto failed: %v", err)
			}
		case "start":
			eng.Start(ctx)
		case "stop":
			eng.Stop()
		default:
			log.Printf("Warning: unrecognized remote command %q", cmd)
		}
		cancel()
	}
}
