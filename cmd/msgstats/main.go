// Command msgstats serves per-contact statistics over the macOS Messages
// database, or answers a single query from the command line.
//
//	msgstats -config msgstats.yaml                  # HTTP + MCP server
//	msgstats -contact +15551234567 -stats -words    # one-shot JSON
//	msgstats -schema                                # snapshot layout
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/msgstats/config"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("msgstats: fatal", "error", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	schema     bool
	contact    string
	stats      bool
	words      bool
	limit      int
}

func (o options) oneShot() bool { return o.contact != "" || o.stats || o.words }

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("msgstats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", os.Getenv("MSGSTATS_CONFIG"), "YAML config file")
	fs.BoolVar(&o.schema, "schema", false, "print the table layout of a chat.db snapshot and exit")
	fs.StringVar(&o.contact, "contact", "", "contact identifier for a one-shot query")
	fs.BoolVar(&o.stats, "stats", false, "one-shot: print sent/received counts")
	fs.BoolVar(&o.words, "words", false, "one-shot: print word frequencies")
	fs.IntVar(&o.limit, "limit", 0, "one-shot: number of words (default messages.default_limit)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.oneShot() && o.contact == "" {
		return o, errors.New("-stats and -words need -contact")
	}
	return o, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	lvl, err := cfg.LogLevel()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case opts.schema, opts.oneShot():
		// stdout carries the JSON answer.
		slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: lvl})))
		if err := cfg.Validate(); err != nil {
			return err
		}
		if opts.schema {
			return dumpSchema(ctx, cfg, stdout)
		}
		return query(ctx, cfg, opts, stdout)
	default:
		slog.SetDefault(slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: lvl})))
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		return serve(ctx, cfg)
	}
}
