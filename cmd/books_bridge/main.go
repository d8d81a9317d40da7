// Package main implements the books_bridge binary that syncs documents between
// the local store and Books instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/db"
	"github.com/cybertec-postgresql/books_bridge/internal/etcd"
	"github.com/cybertec-postgresql/books_bridge/internal/log"
	"github.com/cybertec-postgresql/books_bridge/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN   string        `short:"p" env:"BOOKS_BRIDGE_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	EtcdDSN       string        `short:"e" env:"BOOKS_BRIDGE_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string, settings are file only when empty"`
	LogLevel      string        `short:"l" env:"BOOKS_BRIDGE_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON       bool          `env:"BOOKS_BRIDGE_LOG_JSON" long:"log-json" description:"Write the log as JSON"`
	Listen        string        `env:"BOOKS_BRIDGE_LISTEN" long:"listen" description:"HTTP listen address" default:":8080"`
	SettingsFile  string        `short:"s" env:"BOOKS_BRIDGE_SETTINGS_FILE" long:"settings-file" description:"YAML file with the sync settings"`
	SettingsKey   string        `env:"BOOKS_BRIDGE_SETTINGS_KEY" long:"settings-key" description:"etcd key holding the sync settings" default:"settings"`
	DrainInterval time.Duration `env:"BOOKS_BRIDGE_DRAIN_INTERVAL" long:"drain-interval" description:"Interval of the safety-net drain of pushed batches" default:"1h"`
	BatchSize     int           `env:"BOOKS_BRIDGE_BATCH_SIZE" long:"batch-size" description:"Documents per stored batch" default:"15"`
	Version       bool          `short:"v" long:"version" description:"Show version information"`
	Help          bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 {
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	if cmdOpts.BatchSize <= 0 {
		return cmdOpts, fmt.Errorf("batch size must be positive, got %d", cmdOpts.BatchSize)
	}
	return
}

// ShowVersion prints version information
func ShowVersion() {
	fmt.Printf("books_bridge version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the level and format of the process log
func SetupLogging(logLevel string, json bool) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(json))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("books_bridge logging initialized")

	return nil
}

// SetupCloseHandler cancels the context on SIGINT or SIGTERM
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Shutting down...")
		cancel()
	}()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if config != nil && config.Help {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	pgPool, err := db.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	defer pgPool.Close()

	if err := db.ApplyMigrations(ctx, pgPool); err != nil {
		logrus.WithError(err).Fatal("Failed to apply migrations")
	}

	var etcdClient *etcd.Client
	if config.EtcdDSN != "" {
		etcdClient, err = etcd.NewClientWithRetry(ctx, config.EtcdDSN)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to etcd after retries")
		}
		defer func() { _ = etcdClient.Close() }()
	}

	service := sync.NewService(pgPool, etcdClient, sync.Config{
		Listen:        config.Listen,
		SettingsFile:  config.SettingsFile,
		SettingsKey:   config.SettingsKey,
		DrainInterval: config.DrainInterval,
		BatchSize:     config.BatchSize,
	})
	if err := service.Start(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("books_bridge stopped")
	}

	logrus.Info("Graceful shutdown completed")
}
