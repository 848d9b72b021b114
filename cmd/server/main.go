// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/osa030/mapreq/internal/api/httpapi"
	"github.com/osa030/mapreq/internal/app/blacklist"
	"github.com/osa030/mapreq/internal/app/filter"
	"github.com/osa030/mapreq/internal/app/history"
	"github.com/osa030/mapreq/internal/app/notification"
	"github.com/osa030/mapreq/internal/app/prefetch"
	"github.com/osa030/mapreq/internal/app/queue"
	"github.com/osa030/mapreq/internal/app/resolver"
	"github.com/osa030/mapreq/internal/app/wip"
	"github.com/osa030/mapreq/internal/domain/request"
	"github.com/osa030/mapreq/internal/infra/beatsaver"
	"github.com/osa030/mapreq/internal/infra/config"
	"github.com/osa030/mapreq/internal/infra/library"
	"github.com/osa030/mapreq/internal/infra/logger"
	"github.com/osa030/mapreq/internal/infra/metacache"
	"github.com/osa030/mapreq/internal/infra/snapshot"
	"github.com/osa030/mapreq/internal/version"
)

var (
	app        = kingpin.New("mapreq-server", "map request queue server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")
)

func init() {
	app.Version(version.Get().Version)
	// start command (default) - no need to store the command
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := loadConfig(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}
	if cfg.Notification.QuietSocket {
		logger.SetQuiet("socket")
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads path, falling back to defaults when the file is absent.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		zlog.Warn().Msgf("config file not found, using defaults: path=%s", path)
		return config.Default()
	}
	return config.Load(path)
}

// run executes the main server logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata sources
	cache := metacache.New(metacache.Config{
		Path:            cfg.StoragePath(cfg.Storage.CacheFile),
		URL:             cfg.Cache.URL,
		MaxAge:          cfg.CacheMaxAge(),
		RefreshInterval: time.Duration(cfg.Cache.RefreshIntervalMin) * time.Minute,
		DownloadTimeout: time.Duration(cfg.Cache.DownloadTimeoutSec) * time.Second,
	})
	if err := cache.Init(ctx); err != nil {
		zlog.Warn().Msgf("metadata cache unavailable, continuing without it: %v", err)
	}
	go cache.Run(ctx)

	lib := library.New(cfg.Library.CustomLevelsDir)
	if err := lib.Refresh(); err != nil {
		zlog.Warn().Msgf("failed to scan local library: dir=%s error=%v", cfg.Library.CustomLevelsDir, err)
	}

	remote := beatsaver.New(beatsaver.Config{
		BaseURL: cfg.BeatSaver.BaseURL,
		Timeout: time.Duration(cfg.BeatSaver.TimeoutSec) * time.Second,
	})

	res, err := resolver.NewFromConfig(cfg, resolver.Deps{Cache: cache, Library: lib, Remote: remote})
	if err != nil {
		return errors.Wrap(err, "failed to create resolver")
	}

	// Notifications
	notifier := notification.NewManager(notification.Config{
		SendTimeout: time.Duration(cfg.Notification.SendTimeoutMs) * time.Millisecond,
	}, notification.NewWebhook(notification.WebhookConfig{
		URL:     cfg.Webhook.URL,
		Timeout: time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
	}))
	defer notifier.Close()

	// Persistent state
	blacklistWriter := snapshot.NewWriter(cfg.StoragePath(cfg.Storage.BlacklistFile))
	defer blacklistWriter.Close()
	bl := blacklist.New(blacklistWriter, notifier)
	if err := bl.Load(blacklistWriter.Path()); err != nil {
		zlog.Warn().Msgf("failed to load blacklist: %v", err)
	}

	historyWriter := snapshot.NewWriter(cfg.StoragePath(cfg.Storage.HistoryFile))
	defer historyWriter.Close()
	hist := history.New(historyWriter)
	if _, err := hist.Load(historyWriter.Path(), cfg.SameSessionWindow()); err != nil {
		zlog.Warn().Msgf("failed to load history: %v", err)
	}
	// Runs before the writer is closed.
	defer hist.Save()

	chain, err := filter.NewChainFromConfig(cfg, bl.Contains)
	if err != nil {
		return errors.Wrap(err, "failed to create filter chain")
	}

	maxSize := int64(cfg.Wip.MaxSizeMB) << 20
	downloader := wip.NewDownloader(wip.DownloaderConfig{
		Dir:     filepath.Join(cfg.Storage.Dir, "wip"),
		MaxSize: maxSize,
	}, notifier)
	defer downloader.Wait()
	defer downloader.Cancel()

	queueWriter := snapshot.NewWriter(cfg.StoragePath(cfg.Storage.QueueFile))
	defer queueWriter.Close()
	engine := queue.NewEngine(queue.Deps{
		Resolver:   res,
		Filters:    chain,
		Notifier:   notifier,
		Saver:      queueWriter,
		History:    hist,
		Downloader: downloader,
	}, cfg.Queue.OpenOnStart)
	engine.SetBlacklist(bl)
	bl.SetQueue(engine)

	if cfg.Queue.Restore {
		restoreQueue(ctx, engine, queueWriter.Path())
	}

	selector := prefetch.NewSelector(remote, notifier)
	defer selector.Close()

	api := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Queue:     engine,
		Resolver:  res,
		Blacklist: bl,
		History:   hist,
		Wip: wip.NewValidator(wip.Config{
			AllowedDomains: cfg.Wip.AllowedDomains,
			CodeTemplates:  cfg.Wip.CodeTemplates,
			MaxSize:        maxSize,
			ProbeTimeout:   time.Duration(cfg.Wip.ProbeTimeout) * time.Second,
		}),
		Selector: selector,
		Notifier: notifier,
	})

	serverAddr := cfg.Server.Addr
	// Create server with h2c (HTTP/2 cleartext) support
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           h2c.NewHandler(api, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	serverStartedCh := make(chan struct{})

	go func() {
		zlog.Info().Msgf("Starting server: addr=%s version=%s sources=%s", serverAddr, version.Get().Version, strings.Join(res.Sources(), ","))
		close(serverStartedCh)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	<-serverStartedCh
	// Give the server a moment to fully initialize
	time.Sleep(100 * time.Millisecond)

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		return errors.Wrap(err, "server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return nil
}

// restoreQueue reloads the queue snapshot written by the previous run.
func restoreQueue(ctx context.Context, engine *queue.Engine, path string) {
	var persisted []request.PersistedEntry
	if err := snapshot.ReadJSON(path, &persisted); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			zlog.Warn().Msgf("failed to read queue snapshot: %v", err)
		}
		return
	}
	engine.Restore(ctx, persisted)
}

// printFilters prints available filters.
func printFilters() {
	registry := filter.GetRegistered()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available Filters:")
	for _, name := range names {
		f := registry[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
