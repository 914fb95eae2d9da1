package cmd

import (
	"context"

	"github.com/agentuity/go-cache/cache"
	"github.com/agentuity/go-cache/env"
	"github.com/agentuity/go-cache/eventing"
	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	EnvConfig    = "CACHE_CONFIG"
	EnvEventsURL = "CACHE_EVENTS_URL"
)

// NewRootCommand creates the cachectl command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cachectl",
		Short: "Manage the stores of a cache configuration",
		Long: `cachectl operates on the stores declared in a cache configuration file.
It can clear a store, forget or read a single key and provision the tables
used by the database and DynamoDB stores.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if filename, _ := cmd.Flags().GetString("env-file"); filename != "" {
				return env.LoadEnvFile(filename)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to the cache configuration (env "+EnvConfig+")")
	flags.String("env-file", "", "load unset environment variables from this file")
	flags.String("events-url", "", "redis URL to publish cache events to (env "+EnvEventsURL+")")
	flags.String("log-level", "", "log level: trace, debug, info, warn or error")
	flags.String("log-format", "", "log format: console or json")

	cmd.AddCommand(NewClearCommand())
	cmd.AddCommand(NewForgetCommand())
	cmd.AddCommand(NewGetCommand())
	cmd.AddCommand(NewTableCommand())

	return cmd
}

// session is the manager and event bus a command runs against.
type session struct {
	logger  logger.Logger
	manager *cache.Manager
	bus     eventing.Client
	rdb     *redis.Client
}

func (s *session) Close() {
	if err := s.manager.Close(); err != nil {
		s.logger.Warn("failed to close cache stores: %s", err)
	}
	if err := s.bus.Close(); err != nil {
		s.logger.Warn("failed to close event bus: %s", err)
	}
	if s.rdb != nil {
		s.rdb.Close()
	}
}

func newBus(ctx context.Context, log logger.Logger, url string) (eventing.Client, *redis.Client, error) {
	if url == "" {
		return eventing.NewMemoryClient(log), nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid events url")
	}
	rdb := redis.NewClient(opts)
	bus, err := eventing.NewRedisClient(ctx, log, rdb)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return bus, rdb, nil
}

func openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := env.NewLogger(cmd).WithPrefix("[cachectl]")

	filename := env.FlagOrEnv(cmd, "config", EnvConfig, "cache.yaml")
	cfg, err := cache.LoadConfig(filename)
	if err != nil {
		return nil, err
	}

	bus, rdb, err := newBus(ctx, log, env.FlagOrEnv(cmd, "events-url", EnvEventsURL, ""))
	if err != nil {
		return nil, err
	}

	mgr, err := cache.NewManager(ctx, cfg, cache.WithManagerLogger(log), cache.WithBus(bus))
	if err != nil {
		bus.Close()
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}
	log.Debug("loaded %s with stores %v", filename, cfg.StoreNames())
	return &session{logger: log, manager: mgr, bus: bus, rdb: rdb}, nil
}

// storeName returns the positional store argument at index i, or the
// configured default store.
func (s *session) storeName(args []string, i int) string {
	if len(args) > i && args[i] != "" {
		return args[i]
	}
	return s.manager.Config().Store
}
