package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/cache"
	"github.com/joshdurbin/linkbottle/internal/cache/memory"
	"github.com/joshdurbin/linkbottle/internal/cache/redis"
	"github.com/joshdurbin/linkbottle/internal/clicks"
	"github.com/joshdurbin/linkbottle/internal/config"
	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/fetcher"
	"github.com/joshdurbin/linkbottle/internal/logging"
	"github.com/joshdurbin/linkbottle/internal/metrics"
	"github.com/joshdurbin/linkbottle/internal/repository"
	"github.com/joshdurbin/linkbottle/internal/repository/postgres"
	"github.com/joshdurbin/linkbottle/internal/repository/sqlite"
	"github.com/joshdurbin/linkbottle/internal/safety"
	"github.com/joshdurbin/linkbottle/internal/service"
	"github.com/joshdurbin/linkbottle/internal/shortener"
	"github.com/joshdurbin/linkbottle/internal/transport/client"
	httpTransport "github.com/joshdurbin/linkbottle/internal/transport/http"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "linkbottle",
		Short:         "A multi-tenant link shortening service written in Go",
		Long:          "A link shortener with a resolution cache, write-back click counting and SQLite or PostgreSQL storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServerCmd(), newClientCmd())
	return rootCmd
}

func newServerCmd() *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the link server",
		RunE:  runServer,
	}

	flags := serverCmd.Flags()
	flags.StringP("config", "c", "", "YAML config file (environment variables otherwise)")
	flags.StringP("port", "p", "8080", "Server port")
	flags.String("base-url", "http://localhost:8080/", "Public base URL of short links")
	flags.String("store-driver", config.StoreSQLite, "Durable store: sqlite or postgres")
	flags.String("db-path", "linkbottle.db", "SQLite database file path")
	flags.String("database-url", "", "PostgreSQL connection string")
	flags.String("cache-driver", config.CacheMemory, "Cache store: memory or redis")
	flags.String("redis-url", "", "Redis connection URL")
	flags.Duration("flush-interval", 5*time.Second, "Click flush interval")
	flags.String("log-format", logging.FormatJSON, "Log format: json or console")
	flags.BoolP("verbose", "v", false, "Enable debug logging")

	return serverCmd
}

// loadConfig reads file/env configuration and applies explicitly set flags on top
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetString("port")
	}
	if flags.Changed("base-url") {
		cfg.Server.BaseURL, _ = flags.GetString("base-url")
	}
	if flags.Changed("store-driver") {
		cfg.Store.Driver, _ = flags.GetString("store-driver")
	}
	if flags.Changed("db-path") {
		cfg.Store.Path, _ = flags.GetString("db-path")
	}
	if flags.Changed("database-url") {
		cfg.Store.DSN, _ = flags.GetString("database-url")
	}
	if flags.Changed("cache-driver") {
		cfg.Cache.Driver, _ = flags.GetString("cache-driver")
	}
	if flags.Changed("redis-url") {
		cfg.Cache.RedisURL, _ = flags.GetString("redis-url")
	}
	if flags.Changed("flush-interval") {
		cfg.Clicks.Interval, _ = flags.GetDuration("flush-interval")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("verbose") {
		cfg.Logging.Verbose, _ = flags.GetBool("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openRepository(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (repository.LinkRepository, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		return postgres.New(ctx, cfg.DSN, cfg.MaxConns, logger)
	default:
		return sqlite.New(cfg.Path, logger)
	}
}

func openCacheStore(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Driver {
	case config.CacheRedis:
		return redis.NewFromURL(ctx, cfg.RedisURL)
	default:
		return memory.New(cfg.CleanupInterval), nil
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Verbose, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting linkbottle server",
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Initialize durable store
	repo, err := openRepository(startCtx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("error closing repository", zap.Error(err))
		}
	}()

	// Initialize cache store
	store, err := openCacheStore(startCtx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize %s cache: %w", cfg.Cache.Driver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("error closing cache store", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	resolution := cache.NewResolution(store, cfg.Cache.Options(), m)
	aggregator := clicks.NewAggregator(store, logger, m)
	worker := clicks.NewWorker(aggregator, repo, service.EvictFlushed(repo, resolution), cfg.Clicks, logger, m)

	allocator, err := shortener.New(cfg.Shortener, repo)
	if err != nil {
		return fmt.Errorf("failed to create code allocator: %w", err)
	}
	logger.Info("using shortener generator", zap.String("type", allocator.Type()))

	links := service.New(service.Dependencies{
		Repository: repo,
		Cache:      resolution,
		CacheStore: store,
		Clicks:     aggregator,
		Flush:      worker,
		Allocator:  allocator,
		Titles:     fetcher.New(cfg.Fetcher, logger),
		Safety:     safety.New(cfg.Safety, logger),
		Logger:     logger,
	}, service.Config{BaseURL: cfg.Server.BaseURL})

	// Start click flushing
	if err := worker.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start flush worker: %w", err)
	}

	// Create and start HTTP server
	server := httpTransport.NewServer(links, registry, cfg.Server.Port, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	var serveErr error
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigChan:
		logger.Info("received signal, shutting down gracefully", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during server shutdown", zap.Error(err))
		}
	}

	// Final flush before the stores close
	if err := worker.Stop(); err != nil {
		logger.Error("final click flush failed", zap.Error(err))
	}

	logger.Info("server stopped")
	return serveErr
}

func newClientCmd() *cobra.Command {
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Client commands for interacting with the server",
	}
	clientCmd.PersistentFlags().StringP("server-url", "u", "http://localhost:8080", "Server URL")
	clientCmd.PersistentFlags().Int64("user", 1, "User ID sent in the X-User-ID header")

	createCmd := &cobra.Command{
		Use:   "create [URL]",
		Short: "Create a short link",
		Args:  cobra.ExactArgs(1),
		RunE: withCommands(func(ctx context.Context, cmd *cobra.Command, c *client.Commands, args []string) error {
			req := domain.ShortenRequest{URL: args[0]}
			if alias, _ := cmd.Flags().GetString("alias"); alias != "" {
				req.Alias = &alias
			}
			if title, _ := cmd.Flags().GetString("title"); title != "" {
				req.Title = &title
			}
			return c.Create(ctx, req)
		}),
	}
	createCmd.Flags().String("alias", "", "Custom alias (3-30 letters, digits, '_' or '-')")
	createCmd.Flags().String("title", "", "Title for your copy of the link")

	getCmd := &cobra.Command{
		Use:   "get [KEY]",
		Short: "Get information about a short link",
		Args:  cobra.ExactArgs(1),
		RunE: withCommands(func(ctx context.Context, cmd *cobra.Command, c *client.Commands, args []string) error {
			return c.Get(ctx, args[0])
		}),
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your short links",
		Args:  cobra.NoArgs,
		RunE: withCommands(func(ctx context.Context, cmd *cobra.Command, c *client.Commands, args []string) error {
			return c.List(ctx)
		}),
	}

	updateCmd := &cobra.Command{
		Use:   "update [KEY]",
		Short: "Change your title or tags for a short link",
		Args:  cobra.ExactArgs(1),
		RunE: withCommands(func(ctx context.Context, cmd *cobra.Command, c *client.Commands, args []string) error {
			var req domain.UpdateLinkRequest
			if cmd.Flags().Changed("title") {
				title, _ := cmd.Flags().GetString("title")
				req.Title = &title
			}
			if cmd.Flags().Changed("tags") {
				tags, _ := cmd.Flags().GetStringSlice("tags")
				req.Tags = &tags
			}
			if req.Title == nil && req.Tags == nil {
				return errors.New("nothing to update: pass --title and/or --tags")
			}
			return c.Update(ctx, args[0], req)
		}),
	}
	updateCmd.Flags().String("title", "", "New title")
	updateCmd.Flags().StringSlice("tags", nil, "Comma-separated tags (replaces existing tags)")

	deleteCmd := &cobra.Command{
		Use:   "delete [KEY]",
		Short: "Delete your short link",
		Args:  cobra.ExactArgs(1),
		RunE: withCommands(func(ctx context.Context, cmd *cobra.Command, c *client.Commands, args []string) error {
			return c.Delete(ctx, args[0])
		}),
	}

	titleCmd := &cobra.Command{
		Use:   "title [URL]",
		Short: "Fetch the page title the server sees for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: withCommands(func(ctx context.Context, cmd *cobra.Command, c *client.Commands, args []string) error {
			return c.Title(ctx, args[0])
		}),
	}

	clientCmd.AddCommand(createCmd, getCmd, listCmd, updateCmd, deleteCmd, titleCmd)
	return clientCmd
}

type clientRunFunc func(ctx context.Context, cmd *cobra.Command, c *client.Commands, args []string) error

// withCommands builds the API client from persistent flags and runs fn with a timeout
func withCommands(fn clientRunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server-url")
		userID, _ := cmd.Flags().GetInt64("user")
		commands := client.NewCommands(client.NewClient(serverURL, userID), cmd.OutOrStdout())

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		return fn(ctx, cmd, commands, args)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
