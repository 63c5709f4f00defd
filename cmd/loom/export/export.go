// Package exportcmder provides the export command for bulk NDJSON export of
// materialized messages and blocks.
package exportcmder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworksco/loom/pkg/cliui"
	"github.com/loomworksco/loom/pkg/config"
	"github.com/loomworksco/loom/pkg/dotdir"
	"github.com/loomworksco/loom/pkg/export"
	"github.com/loomworksco/loom/pkg/logger"
	"github.com/loomworksco/loom/pkg/ndjson"
	"github.com/loomworksco/loom/pkg/store"
	"github.com/loomworksco/loom/pkg/store/postgres"
	"github.com/loomworksco/loom/pkg/store/sqlite"
)

type exportCommander struct {
	output        string
	messageID     string
	last          bool
	batchSize     uint
	storageDriver string
	sqlitePath    string
	postgresDSN   string
	logFile       string
	debug         bool
	configDir     string

	log *slog.Logger
}

const exportLongDesc string = `Export materialized messages and blocks as NDJSON.

Each output line is a JSON record: a message summary followed by its blocks
in document order. By default every message in the store is exported; use
--message to export a single message, or --last to export the most recently
finalized one.

Examples:
  loom export --sqlite loom.db -o backup.ndjson
  loom export --message 4f7c... -o -
  loom export --last`

const exportShortDesc string = "Export messages and blocks as NDJSON"

func NewExportCmd() *cobra.Command {
	cmder := &exportCommander{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: exportShortDesc,
		Long:  exportLongDesc,
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

			if !cmd.Flags().Changed("batch-size") {
				cmder.batchSize = cfg.Export.BatchSize
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
	cmd.Flags().StringVarP(&cmder.output, "output", "o", "-", "Output file path, or - for stdout")
	cmd.Flags().StringVarP(&cmder.messageID, "message", "m", "", "Export a single message by id")
	cmd.Flags().BoolVar(&cmder.last, "last", false, "Export the most recently finalized message")
	cmd.Flags().UintVar(&cmder.batchSize, "batch-size", defaults.Export.BatchSize, "Records encoded per write batch")
	cmd.Flags().StringVar(&cmder.storageDriver, "storage-driver", defaults.Storage.Driver, "Storage backend (sqlite, postgres)")
	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to SQLite database")
	cmd.Flags().StringVar(&cmder.postgresDSN, "postgres", "", "Postgres connection string")
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Append JSON log records to this file in addition to terminal output")

	return cmd
}

func (c *exportCommander) run() error {
	log, closeLog, err := c.newLogger()
	if err != nil {
		return err
	}
	defer closeLog()
	c.log = log

	if c.last && c.messageID != "" {
		return fmt.Errorf("--last and --message are mutually exclusive")
	}

	if c.last {
		state, err := dotdir.NewManager().LoadSessionState(c.configDir)
		if err != nil {
			return fmt.Errorf("loading session state: %w", err)
		}
		if state == nil || state.LastMessageID == "" {
			return fmt.Errorf("no session state found; nothing has been finalized yet")
		}
		c.messageID = state.LastMessageID
		c.log.Debug("resolved last finalized message", "message_id", c.messageID)
	}

	driver, err := c.newStoreDriver()
	if err != nil {
		return err
	}
	defer driver.Close()

	out, closeOut, err := c.openOutput()
	if err != nil {
		return err
	}
	defer closeOut()

	exporter := export.New(driver,
		export.WithLogger(c.log),
		export.WithBatchSize(int(c.batchSize)),
	)

	ctx := context.Background()
	sink := ndjson.NewWriterSink(out)

	var count int
	step := func() error {
		var err error
		if c.messageID != "" {
			count, err = exporter.Message(ctx, c.messageID, sink)
		} else {
			count, err = exporter.All(ctx, sink)
		}
		return err
	}

	// Spinner output goes to stderr so it never mixes with NDJSON on stdout.
	if err := cliui.Step(os.Stderr, "exporting", step); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	c.log.Info("export complete", "records", count, "output", c.output)
	return nil
}

// newLogger builds the command's logger: pretty output on stderr, fanned out
// to a JSON log file when --log-file is set. Stderr keeps log lines out of
// NDJSON written to stdout.
func (c *exportCommander) newLogger() (*slog.Logger, func(), error) {
	pretty := logger.New(
		logger.WithPretty(true),
		logger.WithDebug(c.debug),
		logger.WithWriter(os.Stderr),
	)

	if c.logFile == "" {
		return pretty, func() {}, nil
	}

	f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	jsonLog := logger.New(
		logger.WithJSON(true),
		logger.WithDebug(c.debug),
		logger.WithWriter(f),
	)

	return logger.Multi(pretty, jsonLog), func() { _ = f.Close() }, nil
}

func (c *exportCommander) openOutput() (io.Writer, func(), error) {
	if c.output == "" || c.output == "-" {
		return os.Stdout, func() {}, nil
	}

	f, err := os.Create(c.output)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (c *exportCommander) newStoreDriver() (store.Driver, error) {
	switch c.storageDriver {
	case "sqlite", "", "memory":
		if c.sqlitePath == "" {
			return nil, fmt.Errorf("export requires a sqlite path or postgres connection string")
		}
		return sqlite.NewDriver(c.sqlitePath)

	case "postgres":
		if c.postgresDSN == "" {
			return nil, fmt.Errorf("postgres storage requires a connection string")
		}
		return postgres.NewDriver(context.Background(), c.postgresDSN)

	default:
		return nil, fmt.Errorf("unknown storage driver %q (expected sqlite or postgres)", c.storageDriver)
	}
}
