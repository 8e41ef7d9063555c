// -----------------------------------------------------------------------
// loadsched - distributed load-generation scheduler server entrypoint
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/adminhttp"
	"github.com/loadforge/loadsched/internal/clientserver"
	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/groupcomposer"
	"github.com/loadforge/loadsched/internal/jobclass"
	"github.com/loadforge/loadsched/internal/optimizer"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/repository"
	"github.com/loadforge/loadsched/internal/scheduler"
	"github.com/loadforge/loadsched/internal/sweeper"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Admin server port (overrides config)")
	serverHost   = flag.String("host", "", "Admin server host (overrides config)")
	clientAddr   = flag.String("client-listen", ":9071", "Client listener address")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("loadsched version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	var err error

	if len(configFiles) == 0 {
		if _, err := os.Stat("loadsched.toml"); err == nil {
			configFiles = append(configFiles, "loadsched.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *serverPort, *serverHost)

	logger = common.SetupLogger(config)
	defer common.Stop()
	common.LoadVersionFromFile()
	common.PrintBanner(config, logger)
	common.InstallCrashHandler("logs")
	defer common.RecoverWithCrashFile()

	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run() error {
	repo, err := repository.NewBadgerRepository(logger, &config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	clients := registry.New(logger)
	dispatch := clientserver.NewDispatcher(clients, logger)
	sched := scheduler.New(repo, clients, dispatch, &config.Scheduler, logger)

	controller := optimizer.NewController(sched, repo, nil, logger)
	sched.SetIterationObserver(controller)

	classes := jobclass.NewRegistry()
	if loaded, err := classes.LoadDirectory(config.Storage.ClassDir); err != nil {
		logger.Warn().Err(err).Str("class_dir", config.Storage.ClassDir).Msg("Failed to load job classes")
	} else if loaded > 0 {
		logger.Info().Int("classes", loaded).Str("class_dir", config.Storage.ClassDir).Msg("Job classes loaded")
	}
	composer := groupcomposer.New(sched, classes, logger)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	clientSrv := clientserver.NewServer(clients, sched, classes, dispatch, logger)
	if err := clientSrv.Listen(*clientAddr); err != nil {
		return fmt.Errorf("start client listener: %w", err)
	}

	sweep := sweeper.New(clients, sched, &config.Sweeper, logger)
	if err := sweep.Start(config.Sweeper.Schedule); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	adminSrv := adminhttp.New(&config.Server, sched, composer, clients, clientSrv, logger)
	common.SafeGo(logger, "admin-http", func() {
		if err := adminSrv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Admin server failed")
		}
	})

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Str("client_listener", *clientAddr).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	// Graceful shutdown: stop admitting, stop the loop, then tear down the
	// client and admin surfaces.
	logger.Info().Msg("Shutting down server")

	sched.Stop()
	sched.WaitForStop()
	sweep.Stop()
	clientSrv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Admin server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
