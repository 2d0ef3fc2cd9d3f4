package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/fanrelay/internal/api"
	"github.com/shohag/fanrelay/internal/config"
	"github.com/shohag/fanrelay/internal/coordinator"
	"github.com/shohag/fanrelay/internal/delivery"
	"github.com/shohag/fanrelay/internal/metrics"
	"github.com/shohag/fanrelay/internal/models"
	"github.com/shohag/fanrelay/internal/orchestrator"
	"github.com/shohag/fanrelay/internal/producer"
	"github.com/shohag/fanrelay/internal/queue"
	"github.com/shohag/fanrelay/internal/registrar"
	"github.com/shohag/fanrelay/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fanrelay",
		Short: "FanRelay: durable webhook fan-out delivery",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(subscribeCmd(&configPath))
	rootCmd.AddCommand(subscriptionsCmd(&configPath))
	rootCmd.AddCommand(publishCmd(&configPath))
	rootCmd.AddCommand(instancesCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API, queue consumers and fan-out engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(context.Background(), cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			q, err := setupQueue(context.Background(), cfg.Queue, log)
			if err != nil {
				return fmt.Errorf("failed to setup queue: %w", err)
			}
			defer q.Close()

			if cfg.Metrics.Enabled {
				metrics.Register()
			}

			sender := delivery.NewSender(delivery.SenderOptions{
				Timeout:       cfg.Delivery.Timeout,
				UserAgent:     cfg.Delivery.UserAgent,
				SigningSecret: cfg.Delivery.SigningSecret,
				RateLimit:     cfg.Delivery.RateLimit,
				Burst:         cfg.Delivery.Burst,
			})
			worker := delivery.NewWorker(sender, log)

			engine := orchestrator.NewEngine(cfg.Orchestrator, store, store, worker, log)
			engineCtx, stopEngine := context.WithCancel(context.Background())
			defer stopEngine()
			engine.Start(engineCtx)

			coord := coordinator.New(q, engine, coordinator.Options{
				Consumers:   cfg.Queue.Consumers,
				PollBackoff: cfg.Queue.PollBackoff,
			}, log)
			consumeCtx, stopConsuming := context.WithCancel(context.Background())
			defer stopConsuming()
			coordDone := make(chan struct{})
			go func() {
				defer close(coordDone)
				coord.Run(consumeCtx)
			}()

			server := api.NewServer(cfg.Server, cfg.Metrics, registrar.New(store, log), producer.New(q, log), store, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("storage", cfg.Storage.Driver).
				Str("queue", cfg.Queue.Driver).
				Int("consumers", cfg.Queue.Consumers).
				Msg("FanRelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			stopConsuming()
			<-coordDone
			engine.Stop()

			log.Info().Msg("FanRelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(context.Background(), cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func subscribeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Register a webhook subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")

			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sub, err := registrar.New(store, log).Subscribe(context.Background(), registrar.SubscribeRequest{URL: url})
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			out, _ := json.MarshalIndent(sub, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("url", "", "subscriber endpoint URL")
	return cmd
}

func subscriptionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage webhook subscriptions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := registrar.New(store, log).List(context.Background())
			if err != nil {
				return err
			}

			if len(subs) == 0 {
				fmt.Println("No subscriptions found.")
				return nil
			}

			for _, sub := range subs {
				state := "active"
				if !sub.IsActive {
					state = "inactive"
				}
				fmt.Printf("  %s  %-8s  %s  (created %s)\n", sub.ID, state, sub.URL, sub.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	toggle := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <subscription_id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, log, cleanup, err := storeFromConfig(*configPath)
				if err != nil {
					return err
				}
				defer cleanup()

				reg := registrar.New(store, log)
				var sub *models.Subscription
				if active {
					sub, err = reg.Activate(context.Background(), args[0])
				} else {
					sub, err = reg.Deactivate(context.Background(), args[0])
				}
				if err != nil {
					return err
				}

				out, _ := json.MarshalIndent(sub, "", "  ")
				fmt.Println(string(out))
				return nil
			},
		}
	}

	cmd.AddCommand(
		listCmd,
		toggle("deactivate", "Stop delivering events to a subscription", false),
		toggle("activate", "Resume delivering events to a subscription", true),
	)
	return cmd
}

func publishCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a JSON event to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _ := cmd.Flags().GetString("data")
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be valid JSON")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Queue.Driver != "redis" {
				return fmt.Errorf("publish needs a shared queue; set queue.driver=redis or POST to /api/v1/events")
			}

			log := setupLogger(cfg.Logging)
			q, err := setupQueue(context.Background(), cfg.Queue, log)
			if err != nil {
				return fmt.Errorf("failed to setup queue: %w", err)
			}
			defer q.Close()

			producer.New(q, log).Publish(context.Background(), json.RawMessage(data))
			return nil
		},
	}
	cmd.Flags().String("data", "", "event JSON")
	return cmd
}

func instancesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Inspect fan-out instances",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List fan-out instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			instances, err := store.ListInstances(context.Background(), models.InstanceStatus(status), limit)
			if err != nil {
				return fmt.Errorf("failed to list instances: %w", err)
			}

			if len(instances) == 0 {
				fmt.Println("No instances found.")
				return nil
			}

			for _, inst := range instances {
				fmt.Printf("  %s  %-9s  attempts=%d  (created %s)", inst.ID, inst.Status, inst.Attempts, inst.CreatedAt.Format(time.RFC3339))
				if inst.LastError != "" {
					fmt.Printf("  last_error=%q", inst.LastError)
				}
				fmt.Println()
			}
			return nil
		},
	}
	listCmd.Flags().String("status", "", "filter by status (running, completed, failed)")
	listCmd.Flags().Int("limit", 50, "maximum number of instances")

	cmd.AddCommand(listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show subscription and delivery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("FanRelay v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using Postgres storage")
		return storage.NewPostgres(ctx, cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupQueue(ctx context.Context, cfg config.QueueConfig, log zerolog.Logger) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("using in-memory queue: queued events are lost on restart, set queue.driver=redis for a durable queue")
		return queue.NewMemory(cfg.MaxDeliveries), nil
	case "redis":
		log.Info().Str("stream", cfg.Redis.Stream).Str("group", cfg.Redis.Group).Msg("using Redis stream queue")
		return queue.NewRedis(ctx, queue.RedisOptions{
			URL:               cfg.Redis.URL,
			Stream:            cfg.Redis.Stream,
			Group:             cfg.Redis.Group,
			Consumer:          cfg.Redis.Consumer,
			DeadLetterStream:  cfg.Redis.DeadLetterStream,
			VisibilityTimeout: cfg.VisibilityTimeout,
			BlockTimeout:      cfg.BlockTimeout,
			MaxDeliveries:     cfg.MaxDeliveries,
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, zerolog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(context.Background(), cfg.Storage, log)
	if err != nil {
		return nil, log, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, log, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, log, func() { store.Close() }, nil
}
