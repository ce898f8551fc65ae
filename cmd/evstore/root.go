package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/backend"
	"github.com/codewandler/evstore-go/internal/codec"
	"github.com/codewandler/evstore-go/internal/config"
)

var (
	Version = "dev"
	Commit  = "none"
)

type app struct {
	configPath string
	provider   string
	publisher  string
	logLevel   string

	cfg config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "evstore",
		Short:         "Append, read and follow event streams",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&a.provider, "provider", "", "provider type (memory, nats, postgres, sql, redis, mongo, dynamodb)")
	flags.StringVar(&a.publisher, "publisher", "", "publisher type (none, memory, nats, redis, rabbitmq, sqs)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newAppendCmd(a),
		newEventsCmd(a),
		newAggregationsCmd(a),
		newStreamsCmd(a),
		newTailCmd(a),
		newLoadtestCmd(a),
	)
	return root
}

// load resolves the config: file, then environment, then flags.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.provider != "" {
		cfg.Provider.Type = a.provider
	}
	if a.publisher != "" {
		cfg.Publisher.Type = a.publisher
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.log = cfg.Log.Logger(cmd.ErrOrStderr())
	slog.SetDefault(a.log)
	return nil
}

func (a *app) openStore(cmd *cobra.Command, opts backend.Options) (*evstore.EventStore, error) {
	if opts.Log == nil {
		opts.Log = a.log
	}
	return backend.Open(cmd.Context(), a.cfg, opts)
}

// printJSON writes v as one JSON line to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func addPageFlags(cmd *cobra.Command, page *evstore.Page) {
	cmd.Flags().Uint64Var(&page.Offset, "offset", 0, "skip this many items")
	cmd.Flags().Uint64Var(&page.Limit, "limit", 0, "return at most this many items (0 = all)")
}

func pageOpts(p evstore.Page) []evstore.PageOption {
	return []evstore.PageOption{evstore.WithOffset(p.Offset), evstore.WithLimit(p.Limit)}
}
