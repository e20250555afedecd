// tinyids is the TinyIDS agent. It fingerprints the local host and submits
// the result to every configured trust-anchor server.
//
// Usage:
//
//	tinyids [--config PATH] [--debug] --test|--check|--update|--delete|--changephrase
//	tinyids watch [--config PATH] [--debug] [--schedule SPEC]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/karasz/tinyids"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	debug      bool
	schedule   string
}

func (o *options) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.configPath, "config", "c", tinyids.DefaultClientConfigPath, "path to the agent configuration file")
	flagSet.StringVar(&o.envFile, "env-file", "", "dotenv file with TINYIDS_* overrides")
	flagSet.BoolVarP(&o.debug, "debug", "d", false, "log to stderr at debug level")
	flagSet.BoolP("help", "h", false, "show help")
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "watch" {
		return runWatch(args[1:])
	}

	var opts options
	var showVersion bool
	flagSet := pflag.NewFlagSet("tinyids", pflag.ContinueOnError)
	opts.addFlags(flagSet)
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	// Each command flag is named after its protocol command.
	commandFlags := []struct{ name, usage string }{
		{"test", "test connectivity and protocol revision"},
		{"check", "compare this host's fingerprint with the stored one"},
		{"update", "store this host's fingerprint (asks for the passphrase)"},
		{"delete", "remove this host's record (asks for the passphrase)"},
		{"changephrase", "change this host's passphrase"},
	}
	for _, f := range commandFlags {
		flagSet.Bool(f.name, false, f.usage)
	}

	if err := flagSet.Parse(args); err != nil {
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
		fmt.Printf("tinyids %s (protocol revision %d)\n", version, tinyids.ProtocolRevision)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	var cmd tinyids.Command
	for _, f := range commandFlags {
		if set, _ := flagSet.GetBool(f.name); !set {
			continue
		}
		if cmd != "" {
			return errors.New("only one command may be given")
		}
		c, err := tinyids.ParseCommandName(f.name)
		if err != nil {
			return err
		}
		cmd = c
	}
	if cmd == "" {
		printHelp(flagSet)
		return errors.New("no command given")
	}

	env, err := setup(flagSet, opts)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return env.runCommand(ctx, cmd, newTerminalPrompter())
}

func runWatch(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("tinyids watch", pflag.ContinueOnError)
	opts.addFlags(flagSet)
	flagSet.StringVar(&opts.schedule, "schedule", "", "cron schedule for periodic CHECK (default from config)")

	if err := flagSet.Parse(args); err != nil {
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

	env, err := setup(flagSet, opts)
	if err != nil {
		return err
	}
	defer env.close()

	schedule := env.cfg.Schedule
	if opts.schedule != "" {
		schedule = opts.schedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := env.runCommand(ctx, tinyids.CmdCheck, nil); err != nil {
			env.logger.Error("scheduled check failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule check: %w", err)
	}
	env.logger.Info("watching", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	env.logger.Info("watch stopped")
	return nil
}

// environment is the configured agent shared by both modes.
type environment struct {
	cfg       tinyids.ClientConfig
	logger    *slog.Logger
	logCloser interface{ Close() error }
}

func setup(flagSet *pflag.FlagSet, opts options) (*environment, error) {
	configPath := opts.configPath
	if !flagSet.Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}
	if err := tinyids.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := tinyids.LoadClientConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Log.Debug = opts.debug
	logger, closer, err := tinyids.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, logger: logger, logCloser: closer}, nil
}

func (e *environment) close() {
	_ = e.logCloser.Close()
}

// runCommand fingerprints the host when cmd needs it and sends cmd to every
// server. It fails when any server did not answer 20.
func (e *environment) runCommand(ctx context.Context, cmd tinyids.Command, prompter tinyids.Prompter) error {
	var fingerprint string
	if cmd == tinyids.CmdCheck || cmd == tinyids.CmdUpdate {
		collectors, unknown, err := tinyids.NewRegistry().Resolve(e.cfg.Collectors)
		if err != nil {
			return err
		}
		if len(unknown) > 0 {
			e.logger.Warn("invalid collectors in configuration", "collectors", strings.Join(unknown, ", "))
		}
		fingerprint, err = tinyids.Fingerprint(ctx, e.cfg.Algorithm, collectors, e.logger)
		if err != nil {
			return err
		}
	}

	client := tinyids.NewClient(e.cfg.Servers, tinyids.NewTCPTransport(e.cfg.Timeout), prompter, e.logger)
	results := client.Run(ctx, cmd, fingerprint)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%s: error: %v\n", r.Target.Name, r.Err)
			failed++
			continue
		}
		fmt.Printf("%s: %s\n", r.Target.Name, r.Status)
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s failed on %d of %d servers", cmd, failed, len(results))
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tinyids - TinyIDS host integrity agent

Usage:
  tinyids [flags] --test|--check|--update|--delete|--changephrase
  tinyids watch [flags] [--schedule SPEC]

Flags:
%s
Environment:
  TINYIDS_ALGORITHM, TINYIDS_TIMEOUT, TINYIDS_SCHEDULE, TINYIDS_LOG_LEVEL, ...
  override the matching configuration keys.
`, flagSet.FlagUsages())
}
