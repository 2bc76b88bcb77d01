// imap2mm watches IMAP folders and forwards matching messages to a
// Mattermost channel.
//
// New messages are discovered with a per-folder UID watermark scoped to
// the folder's UIDVALIDITY, filtered through a configurable condition
// set (subject/body regexes, address globs, attachment and read-state
// checks), deduplicated against a bounded recently-notified list, and
// posted with their attachments. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	imap2mm run          Execute one scan cycle and exit
//	imap2mm watch        Scan repeatedly at the configured interval
//	imap2mm check        Validate the configuration and exit
//	imap2mm init [dir]   Write a starter config.yaml (default: .)
//	imap2mm version      Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/buildinfo"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/config"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/mailbox"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/mattermost"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/runner"
	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/state"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the imap2mm command. All OS-level
// dependencies are injected as parameters. Arguments are parsed by
// hand: the flag package relies on package-level globals that interfere
// with parallel tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			if command == "" {
				command = args[i]
			} else {
				cmdArgs = append(cmdArgs, args[i])
			}
		default:
			return fmt.Errorf("unknown argument %q (try -help)", args[i])
		}
	}

	switch command {
	case "version":
		return printVersion(stdout, outputFmt)
	case "", "help":
		return printUsage(stdout)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "run", "watch", "check":
	default:
		return fmt.Errorf("unknown command %q (try -help)", command)
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	if command == "check" {
		fmt.Fprintf(stdout, "%s: configuration OK\n", path)
		return nil
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}))
	logger.Info("starting", "version", buildinfo.Version, "config", path)

	store, err := state.NewStore(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("open state db %s: %w", cfg.StateDB, err)
	}
	defer store.Close()

	notifier := mattermost.New(cfg.Mattermost, logger)

	dial := func() (runner.Session, error) {
		client, err := mailbox.Dial(cfg.IMAP, logger)
		if err != nil {
			return nil, err
		}
		if err := client.Login(); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}

	r, err := runner.New(cfg, store, notifier, dial, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run":
		_, err := r.Run(ctx)
		return err
	case "watch":
		return watch(ctx, r, cfg.Interval(), logger)
	}
	return nil
}

// watch runs scan cycles at a fixed interval until the context is
// cancelled. Cycles never overlap: each runs to completion before the
// next tick is honored, and a failed cycle is logged and retried on the
// next tick rather than terminating the watcher.
func watch(ctx context.Context, r *runner.Runner, interval time.Duration, logger *slog.Logger) error {
	logger.Info("watching", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Run(ctx); err != nil {
			logger.Error("scan cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func printVersion(w io.Writer, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `imap2mm — forward matching IMAP messages to Mattermost

Usage:
  imap2mm [flags] <command>

Commands:
  run         Execute one scan cycle and exit
  watch       Scan repeatedly at the configured interval
  check       Validate the configuration and exit
  init [dir]  Write a starter config.yaml (default: .)
  version     Print version and build information

Flags:
  -config <path>   Config file (default: search standard locations)
  -o <format>      Output format for version: text or json
  -h, -help        Show this help
`)
	return nil
}
