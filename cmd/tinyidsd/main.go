// tinyidsd is the TinyIDS trust-anchor server. It stores one fingerprint
// per client address and answers TEST, CHECK, UPDATE, DELETE and
// CHANGEPHRASE requests.
//
// Usage:
//
//	tinyidsd [--config PATH] [--env-file PATH] [--debug]
//	tinyidsd --version
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/karasz/tinyids"
	"github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile string
	var debug, showVersion bool

	flagSet := pflag.NewFlagSet("tinyidsd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", tinyids.DefaultServerConfigPath, "path to the server configuration file")
	flagSet.StringVar(&envFile, "env-file", "", "dotenv file with TINYIDSD_* overrides")
	flagSet.BoolVarP(&debug, "debug", "d", false, "log to stderr at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Printf("tinyidsd %s (protocol revision %d)\n", version, tinyids.ProtocolRevision)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if !flagSet.Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}
	if err := tinyids.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := tinyids.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Log.Debug = debug

	logger, logCloser, err := tinyids.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Keys and store are opened while still privileged; the key files stay
	// owner-only afterwards.
	srv, err := tinyids.NewServer(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	if err := dropPrivileges(cfg.User, cfg.Group, logger); err != nil {
		logger.Error("startup failed", "error", err)
		return errors.Join(err, srv.Close())
	}

	logger.Info("tinyidsd starting", "version", version, "protocol_revision", tinyids.ProtocolRevision)
	return srv.Run(ctx)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tinyidsd - TinyIDS trust-anchor server

Usage:
  tinyidsd [flags]

Flags:
%s
Environment:
  TINYIDSD_LISTEN_ADDRESS, TINYIDSD_STORE_DIR, TINYIDSD_LOG_LEVEL, ...
  override the matching configuration keys.
`, flagSet.FlagUsages())
}
