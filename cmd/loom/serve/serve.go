// Package servecmder provides the serve command for running the ingest service.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomworksco/loom/pkg/config"
	"github.com/loomworksco/loom/pkg/dotdir"
	"github.com/loomworksco/loom/pkg/eventstream"
	eventkafka "github.com/loomworksco/loom/pkg/eventstream/kafka"
	"github.com/loomworksco/loom/pkg/eventstream/nop"
	"github.com/loomworksco/loom/pkg/logger"
	"github.com/loomworksco/loom/pkg/store"
	"github.com/loomworksco/loom/pkg/store/inmemory"
	"github.com/loomworksco/loom/pkg/store/postgres"
	"github.com/loomworksco/loom/pkg/store/sqlite"
	"github.com/loomworksco/loom/service"
	"github.com/loomworksco/loom/service/worker"
)

type serveCommander struct {
	listen           string
	upstream         string
	providerType     string
	idleTimeout      string
	throttleInterval string
	storageDriver    string
	sqlitePath       string
	postgresDSN      string
	eventsEnabled    bool
	eventsBrokers    []string
	eventsTopic      string
	debug            bool
	configDir        string

	logger *zap.Logger
}

const serveLongDesc string = `Run the loom ingest service.

The service forwards chat requests to the configured upstream provider,
streams the provider response back to the client verbatim, and materializes
the stream into ordered typed blocks as it passes through.

Supported provider types: anthropic, openai, ollama

Storage backends: memory, sqlite, postgres. Finalized-message events can
optionally be published to Kafka for downstream consumers.`

const serveShortDesc string = "Run the loom ingest service"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			cmder.configDir = configDir

			cfger, err := config.NewConfiger(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			cfg, err := cfger.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if !cmd.Flags().Changed("listen") {
				cmder.listen = cfg.Ingest.Listen
			}
			if !cmd.Flags().Changed("upstream") {
				cmder.upstream = cfg.Ingest.Upstream
			}
			if !cmd.Flags().Changed("provider") {
				cmder.providerType = cfg.Ingest.Provider
			}
			if !cmd.Flags().Changed("idle-timeout") {
				cmder.idleTimeout = cfg.Ingest.IdleTimeout
			}
			if !cmd.Flags().Changed("throttle-interval") {
				cmder.throttleInterval = cfg.Ingest.ThrottleInterval
			}
			if !cmd.Flags().Changed("storage-driver") {
				cmder.storageDriver = cfg.Storage.Driver
			}
			if !cmd.Flags().Changed("sqlite") {
				cmder.sqlitePath = cfg.Storage.SQLitePath
			}
			if !cmd.Flags().Changed("postgres") {
				cmder.postgresDSN = cfg.Storage.PostgresDSN
			}
			if !cmd.Flags().Changed("events") {
				cmder.eventsEnabled = cfg.Events.Enabled
			}
			if !cmd.Flags().Changed("events-brokers") {
				cmder.eventsBrokers = cfg.Events.Brokers
			}
			if !cmd.Flags().Changed("events-topic") {
				cmder.eventsTopic = cfg.Events.Topic
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			return cmder.run()
		},
	}

	defaults := config.NewDefaultConfig()
	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", defaults.Ingest.Listen, "Address for the service to listen on")
	cmd.Flags().StringVarP(&cmder.upstream, "upstream", "u", defaults.Ingest.Upstream, "Upstream provider URL")
	cmd.Flags().StringVarP(&cmder.providerType, "provider", "p", defaults.Ingest.Provider, "Provider dialect (anthropic, openai, ollama)")
	cmd.Flags().StringVar(&cmder.idleTimeout, "idle-timeout", defaults.Ingest.IdleTimeout, "Stream idle timeout (e.g. 2m, 90s)")
	cmd.Flags().StringVar(&cmder.throttleInterval, "throttle-interval", defaults.Ingest.ThrottleInterval, "Coalescing window for partial block writes (e.g. 150ms)")
	cmd.Flags().StringVar(&cmder.storageDriver, "storage-driver", defaults.Storage.Driver, "Storage backend (memory, sqlite, postgres)")
	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to SQLite database")
	cmd.Flags().StringVar(&cmder.postgresDSN, "postgres", "", "Postgres connection string")
	cmd.Flags().BoolVar(&cmder.eventsEnabled, "events", false, "Publish finalized-message events to Kafka")
	cmd.Flags().StringSliceVar(&cmder.eventsBrokers, "events-brokers", nil, "Kafka bootstrap brokers")
	cmd.Flags().StringVar(&cmder.eventsTopic, "events-topic", defaults.Events.Topic, "Kafka topic for finalized-message events")

	return cmd
}

func (c *serveCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer func() { _ = c.logger.Sync() }()

	driver, err := c.newStoreDriver()
	if err != nil {
		return err
	}
	defer driver.Close()

	publisher, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	wp, err := worker.NewPool(&worker.Config{
		Publisher:  publisher,
		Sessions:   dotdir.NewManager(),
		SessionDir: c.configDir,
		Logger:     c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}

	cfg := config.IngestConfig{
		IdleTimeout:      c.idleTimeout,
		ThrottleInterval: c.throttleInterval,
	}
	svcConfig := service.Config{
		ListenAddr:       c.listen,
		UpstreamURL:      c.upstream,
		ProviderType:     c.providerType,
		IdleTimeout:      cfg.IdleTimeoutDuration(),
		ThrottleInterval: cfg.ThrottleIntervalDuration(),
	}

	svc, err := service.New(svcConfig, driver, wp, c.logger)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	defer svc.Close()

	c.logger.Info("starting ingest service",
		zap.String("listen", c.listen),
		zap.String("upstream", c.upstream),
		zap.String("provider", c.providerType),
		zap.String("storage", c.storageDriver),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := svc.Run(); err != nil {
			errChan <- fmt.Errorf("service error: %w", err)
		}
	}()

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return nil
	}
}

func (c *serveCommander) newStoreDriver() (store.Driver, error) {
	switch c.storageDriver {
	case "sqlite":
		if c.sqlitePath == "" {
			c.logger.Info("no sqlite path configured, using in-memory storage")
			return inmemory.NewDriver(), nil
		}
		driver, err := sqlite.NewDriver(c.sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite store: %w", err)
		}
		c.logger.Info("using SQLite storage", zap.String("path", c.sqlitePath))
		return driver, nil

	case "postgres":
		if c.postgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires a connection string")
		}
		driver, err := postgres.NewDriver(context.Background(), c.postgresDSN)
		if err != nil {
			return nil, fmt.Errorf("creating postgres store: %w", err)
		}
		c.logger.Info("using Postgres storage")
		return driver, nil

	case "memory", "":
		c.logger.Info("using in-memory storage")
		return inmemory.NewDriver(), nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q (expected memory, sqlite, or postgres)", c.storageDriver)
	}
}

func (c *serveCommander) newPublisher() (eventstream.Publisher, error) {
	if !c.eventsEnabled {
		return nop.NewPublisher(), nil
	}

	publisher, err := eventkafka.NewPublisher(eventkafka.Config{
		Brokers: c.eventsBrokers,
		Topic:   c.eventsTopic,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}

	c.logger.Info("event publishing enabled",
		zap.Strings("brokers", c.eventsBrokers),
		zap.String("topic", c.eventsTopic),
	)
	return publisher, nil
}
