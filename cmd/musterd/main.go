// Command musterd runs a muster scheduling node: the leader-elected
// trigger engine, the deployment work-queue reapers, and, when Redis is
// configured, a task-stream consumer, all against a shared job store.
//
// Usage:
//
//	musterd -config /etc/musterd/config.yaml
//
// A minimal config:
//
//	log:
//	  level: info
//	store:
//	  backend: sqlite
//	  dsn: /var/lib/musterd/muster.db
//
// Adding a queue section moves task execution onto a Redis stream so
// that any number of worker nodes can share the load:
//
//	queue:
//	  redis_addr: localhost:6379
//
// Every node is safe to run concurrently against the same store; the
// instances elect a single leader which owns the trigger and reap loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	goredis "github.com/redis/go-redis/v9"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/engine"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/store"
	"github.com/driftlock/muster/store/memory"
	"github.com/driftlock/muster/store/postgres"
	"github.com/driftlock/muster/store/sqlite"
	"github.com/driftlock/muster/taskqueue"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "musterd.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "musterd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	fileCfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger := fileCfg.Log.build()
	slog.SetDefault(logger)

	nodeCfg, err := fileCfg.Node.merge()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, fileCfg.Store, logger)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return err
	}

	node, err := muster.New(
		muster.WithStore(st),
		muster.WithConfig(nodeCfg),
		muster.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return err
	}

	queueName := "inproc"
	var engOpts []engine.Option
	var rdb *goredis.Client
	if fileCfg.Queue.RedisAddr != "" {
		queueName = "redis"
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     fileCfg.Queue.RedisAddr,
			Password: fileCfg.Queue.RedisPassword,
			DB:       fileCfg.Queue.RedisDB,
		})
		defer rdb.Close()

		var qopts []taskqueue.RedisQueueOption
		if fileCfg.Queue.Stream != "" {
			qopts = append(qopts, taskqueue.WithQueueStream(fileCfg.Queue.Stream))
		}
		engOpts = append(engOpts, engine.WithQueue(taskqueue.NewRedisQueue(rdb, qopts...)))
	}

	eng, err := engine.Build(node, engOpts...)
	if err != nil {
		node.Stop(ctx)
		return err
	}
	registerBuiltins(eng)

	if rdb != nil && fileCfg.Queue.consume() {
		copts := []taskqueue.RedisConsumerOption{taskqueue.WithConsumerLogger(logger)}
		if fileCfg.Queue.Stream != "" {
			copts = append(copts, taskqueue.WithConsumerStream(fileCfg.Queue.Stream))
		}
		if fileCfg.Queue.Group != "" {
			copts = append(copts, taskqueue.WithConsumerGroup(fileCfg.Queue.Group))
		}
		if fileCfg.Queue.Consumer != "" {
			copts = append(copts, taskqueue.WithConsumerName(fileCfg.Queue.Consumer))
		}
		node.AddRunner(taskqueue.NewRedisConsumer(rdb, eng.Executor(), copts...))
	}

	if err := eng.Start(ctx); err != nil {
		node.Stop(context.Background())
		return err
	}
	daemon.SdNotify(false, daemon.SdNotifyReady)
	logger.Info("musterd ready",
		"instance_id", eng.Scheduler().Instance().ID,
		"store", fileCfg.Store.Backend,
		"queue", queueName)

	<-ctx.Done()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	logger.Info("signal received, shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), nodeCfg.ShutdownTimeout)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg storeConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.DSN, sqlite.WithLogger(logger))
	case "postgres":
		return postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
	default:
		return nil, fmt.Errorf("store.backend: unknown backend %q (want memory, sqlite, or postgres)", cfg.Backend)
	}
}

// registerBuiltins installs the handlers every musterd ships with so a
// fresh deployment can be smoke-tested before any application handlers
// exist. "muster.echo" returns its message argument; "muster.ping"
// reports a store round trip.
func registerBuiltins(eng *engine.Engine) {
	eng.MustRegisterHandler("muster.echo", job.KindQueueTask, []string{"message"},
		func(_ context.Context, args job.Args) (any, error) {
			return map[string]any{"message": args["message"]}, nil
		})
	eng.MustRegisterHandler("muster.ping", job.KindFunction, nil,
		func(ctx context.Context, _ job.Args) (any, error) {
			start := time.Now()
			if err := eng.Store().Ping(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"rtt_ms": time.Since(start).Milliseconds()}, nil
		})
}
