// Package main implements the kvsync binary, which keeps backing store tables
// in sync with the keyspaces of a key-value change source.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/kvsync/internal/log"
)

// Config holds the application configuration
type Config struct {
	ConfigFile  string `short:"c" long:"config" env:"KVSYNC_CONFIG" description:"Path to the connector file" default:"kvsync.yaml"`
	PostgresDSN string `short:"p" long:"postgres-dsn" env:"KVSYNC_POSTGRES_DSN" description:"PostgreSQL connection string of the backing store"`
	SQLitePath  string `long:"sqlite-path" env:"KVSYNC_SQLITE_PATH" description:"SQLite database file of the backing store"`
	RedisURL    string `short:"r" long:"redis-url" env:"KVSYNC_REDIS_URL" description:"Redis URL of the change source" default:"redis://localhost:6379/0"`
	EtcdDSN     string `short:"e" long:"etcd-dsn" env:"KVSYNC_ETCD_DSN" description:"etcd connection string of the change source"`
	Consumer    string `long:"consumer" env:"KVSYNC_CONSUMER" description:"Redis consumer name, defaults to the connector name"`
	LogLevel    string `short:"l" long:"log-level" env:"KVSYNC_LOG_LEVEL" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON     bool   `long:"log-json" env:"KVSYNC_LOG_JSON" description:"Write logs as JSON"`
	HTTPAddr    string `long:"http-addr" env:"KVSYNC_HTTP_ADDR" description:"Listen address of the admin endpoints, empty disables them" default:":9187"`
	Version     bool   `short:"v" long:"version" description:"Show version information"`

	DeadLetters DeadLettersCommand `command:"dead-letters" description:"List or replay the dead letters of one connector"`

	Help    bool
	Command string // name of the subcommand given, if any
}

// DeadLettersCommand lists the dead letters of one connector, or replays them
type DeadLettersCommand struct {
	Limit  int  `long:"limit" description:"Maximum number of records, 0 means 100"`
	All    bool `long:"all" description:"Include records that were already replayed"`
	Replay bool `long:"replay" description:"Replay pending records with the current mapping"`
	Args   struct {
		Connector string `positional-arg-name:"connector" required:"yes"`
	} `positional-args:"yes"`
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
	parser.SubcommandsOptional = true            // without a command the service is started
	nonParsedArgs, err := parser.ParseArgs(args) // parse and execute subcommand if any
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	if parser.Active != nil {
		cmdOpts.Command = parser.Active.Name
	}
	if cmdOpts.PostgresDSN != "" && cmdOpts.SQLitePath != "" {
		return cmdOpts, errors.New("--postgres-dsn and --sqlite-path are mutually exclusive")
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("kvsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string, json bool) error {
	if err := log.Setup(logLevel, json); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("kvsync logging initialized")
	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	opts, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(opts.LogLevel, opts.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	app, err := Open(ctx, opts)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start kvsync")
	}
	defer app.Close()

	if opts.Command == "dead-letters" {
		if err := app.DeadLetters(ctx, opts.DeadLetters, os.Stdout); err != nil {
			logrus.WithError(err).Fatal("Dead-letter command failed")
		}
		return
	}

	if err := app.Run(ctx, opts.HTTPAddr); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}
	logrus.Info("Graceful shutdown completed")
}
