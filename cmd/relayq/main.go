// Command relayq runs the queue's operational surfaces: the worker pool,
// the HTTP producer API and the registry/stat inspection commands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	relayq "github.com/relayq/relayq-go"
	"github.com/relayq/relayq-go/internal/config"
	"github.com/relayq/relayq-go/internal/httpapi"
	"github.com/relayq/relayq-go/internal/pgstore"
	"github.com/relayq/relayq-go/internal/redisbroker"
	"github.com/relayq/relayq-go/internal/sampletasks"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitOK = iota
	exitConfig
	exitInfra
)

func main() {
	root := &cobra.Command{
		Use:          "relayq",
		Short:        "relayq background task queue",
		SilenceUsage: true,
	}
	root.AddCommand(runWorkerCmd(), listTasksCmd(), serveCmd(), statsCmd())
	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lv, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	log.SetLevel(lv)
	return log, nil
}

// buildManager wires config into store, broker and registry. The returned
// cleanup closes both connections.
func buildManager(cfg *config.Config, log *logrus.Logger, reg *relayq.Registry) (*relayq.Manager, func(), error) {
	store, err := pgstore.New(cfg.Database.ConnString())
	if err != nil {
		return nil, nil, fmt.Errorf("metadata store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("metadata store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("broker: %w", err)
	}

	mgr := relayq.NewManager(store, redisbroker.New(rdb), reg, relayq.WithLogger(log))
	cleanup := func() {
		_ = rdb.Close()
		_ = store.Close()
	}
	return mgr, cleanup, nil
}

func runWorkerCmd() *cobra.Command {
	var (
		queue        string
		workers      int
		maxTasks     int
		pollInterval int
		logLevel     string
	)
	cmd := &cobra.Command{
		Use:   "run-worker",
		Short: "Launch a worker pool bound to a queue",
		Run: func(cmd *cobra.Command, args []string) {
			if workers < 1 {
				fmt.Fprintln(os.Stderr, "workers must be >= 1")
				os.Exit(exitConfig)
			}
			if pollInterval < 1 {
				fmt.Fprintln(os.Stderr, "poll-interval must be >= 1")
				os.Exit(exitConfig)
			}
			log, err := newLogger(logLevel)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfig)
			}
			cfg, err := config.Load()
			if err != nil {
				log.Errorf("config: %v", err)
				os.Exit(exitConfig)
			}

			reg := relayq.NewRegistry()
			if err := sampletasks.Register(reg); err != nil {
				log.Errorf("registry: %v", err)
				os.Exit(exitConfig)
			}

			mgr, cleanup, err := buildManager(cfg, log, reg)
			if err != nil {
				log.Errorf("%v", err)
				os.Exit(exitInfra)
			}
			defer cleanup()

			pool := relayq.NewPool(mgr, relayq.PoolConfig{
				Queue:        queue,
				Workers:      workers,
				MaxTasks:     maxTasks,
				PollInterval: time.Duration(pollInterval) * time.Second,
				Logger:       log,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := pool.Run(ctx); err != nil {
				log.Errorf("worker pool: %v", err)
				os.Exit(exitInfra)
			}
			log.Infof("processed %d task(s), shutting down", pool.Processed())
		},
	}
	cmd.Flags().StringVar(&queue, "queue", relayq.DefaultQueue, "queue to process")
	cmd.Flags().IntVar(&workers, "workers", 1, "number of concurrent workers")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "stop each worker after this many attempts (0 = unbounded)")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", 2, "seconds between claim polls on an empty queue")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "DEBUG|INFO|WARNING|ERROR")
	return cmd
}

func listTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tasks",
		Short: "Print the registered task names",
		Run: func(cmd *cobra.Command, args []string) {
			reg := relayq.NewRegistry()
			if err := sampletasks.Register(reg); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfig)
			}
			names := reg.List()
			fmt.Println("Registered tasks:")
			for _, name := range names {
				fmt.Printf("  %s", name)
				if desc := reg.Describe(name); desc != "" {
					fmt.Printf(" - %s", desc)
				}
				fmt.Println()
			}
			fmt.Printf("Total: %d\n", len(names))
		},
	}
}

func serveCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP producer and listing API",
		Run: func(cmd *cobra.Command, args []string) {
			log, err := newLogger(logLevel)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfig)
			}
			cfg, err := config.Load()
			if err != nil {
				log.Errorf("config: %v", err)
				os.Exit(exitConfig)
			}

			// The API host registers the same handlers as the workers so the
			// enqueue-time registry check matches what workers can execute.
			reg := relayq.NewRegistry()
			if err := sampletasks.Register(reg); err != nil {
				log.Errorf("registry: %v", err)
				os.Exit(exitConfig)
			}

			mgr, cleanup, err := buildManager(cfg, log, reg)
			if err != nil {
				log.Errorf("%v", err)
				os.Exit(exitInfra)
			}
			defer cleanup()

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
				Handler: httpapi.New(mgr, log).Router(),
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Infof("api listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("api: %v", err)
				os.Exit(exitInfra)
			}
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "DEBUG|INFO|WARNING|ERROR")
	return cmd
}

func statsCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print broker counts for a queue",
		Run: func(cmd *cobra.Command, args []string) {
			log, err := newLogger("ERROR")
			if err != nil {
				os.Exit(exitConfig)
			}
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfig)
			}
			mgr, cleanup, err := buildManager(cfg, log, nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInfra)
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stats, err := mgr.Stats(ctx, queue)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInfra)
			}
			fmt.Printf("queue %q: pending=%d delayed=%d inflight=%d\n",
				queue, stats.Pending, stats.Delayed, stats.Inflight)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", relayq.DefaultQueue, "queue to inspect")
	return cmd
}
