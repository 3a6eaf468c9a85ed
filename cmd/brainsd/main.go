// Command brainsd runs the brain dispatcher HTTP server: it loads a
// configuration file, wires the configured event-log and run-store
// backends, registers brain Definitions, and serves spec.md's §6 external
// interface until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/brainstack/brains/runtime/brain/actor"
	"github.com/brainstack/brains/runtime/brain/config"
	"github.com/brainstack/brains/runtime/brain/dispatcher"
	"github.com/brainstack/brains/runtime/brain/eventlog"
	"github.com/brainstack/brains/runtime/brain/eventlog/redislog"
	"github.com/brainstack/brains/runtime/brain/generator"
	"github.com/brainstack/brains/runtime/brain/runstore"
	"github.com/brainstack/brains/runtime/brain/runstore/inmem"
	"github.com/brainstack/brains/runtime/brain/runstore/mongostore"
	"github.com/brainstack/brains/runtime/brain/telemetry"
)

func main() {
	var (
		configPathF = flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
		listenF     = flag.String("listen", "", "Override the configured listen address")
		dbgF        = flag.Bool("debug", false, "Enable debug-level logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := loadConfig(*configPathF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *listenF != "" {
		cfg.ListenAddr = *listenF
	}

	logs, store, err := wireBackends(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	logger := telemetry.NewClueLogger()
	manager := actor.NewManager(registerDefinitions(), logs, store, logger)
	manager.SetPolicy(generator.Policy{
		DefaultMaxIterations: cfg.DefaultMaxIterations,
		DefaultMaxTokens:     cfg.DefaultMaxTokens,
	})
	srv := dispatcher.NewServer(manager, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "listen", V: cfg.ListenAddr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Fatal(ctx, err)
	case sig := <-sigc:
		log.Print(ctx, log.KV{K: "signal", V: sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "graceful shutdown failed"})
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func wireBackends(ctx context.Context, cfg config.Config) (eventlog.Factory, runstore.Store, error) {
	var logs eventlog.Factory
	switch cfg.Log {
	case config.LogRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect redis event log: %w", err)
		}
		logs = redislog.NewFactory(client)
	default:
		logs = eventlog.NewFactory()
	}

	var store runstore.Store
	switch cfg.Store {
	case config.StoreMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo run store: %w", err)
		}
		store, err = mongostore.New(mongostore.Options{Client: client, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, nil, fmt.Errorf("build mongo run store: %w", err)
		}
	case config.StoreRedis:
		// Redis is accepted as a run-store backend by configuration
		// validation but has no run-store implementation; startup fails with
		// an error rather than silently using another store.
		return nil, nil, fmt.Errorf("redis run store backend is not yet implemented")
	default:
		store = inmem.New()
	}
	return logs, store, nil
}

// registerDefinitions returns the set of brain Definitions this process
// serves. A real deployment replaces this with its own brain package;
// brainsd ships a single illustrative echo brain so the binary is runnable
// out of the box.
func registerDefinitions() []actor.Definition {
	return []actor.Definition{echoBrain()}
}
