package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/hazyhaar/msgstats/analytics"
	"github.com/hazyhaar/msgstats/config"
)

type queryResult struct {
	ContactID   string `json:"contact_id"`
	Stats       any    `json:"stats,omitempty"`       // stats.Counts
	Frequencies any    `json:"frequencies,omitempty"` // []stats.WordCount, [] when no words
}

// query answers -contact. Without -stats or -words both are printed.
func query(ctx context.Context, cfg *config.Config, opts options, out io.Writer) error {
	svc := analytics.NewService(cfg.Messages)
	both := !opts.stats && !opts.words
	res := queryResult{ContactID: opts.contact}

	if opts.stats || both {
		counts, err := svc.ContactStats(ctx, opts.contact)
		if err != nil {
			return err
		}
		res.Stats = counts
	}
	if opts.words || both {
		limit := opts.limit
		if limit == 0 {
			limit = cfg.Messages.DefaultLimit
		}
		words, err := svc.WordFrequency(ctx, opts.contact, limit)
		if err != nil {
			return err
		}
		res.Frequencies = words
	}
	return writeIndented(out, res)
}

func dumpSchema(ctx context.Context, cfg *config.Config, out io.Writer) error {
	tables, err := analytics.NewService(cfg.Messages).Describe(ctx)
	if err != nil {
		return err
	}
	return writeIndented(out, map[string]any{"source": cfg.Messages.DBPath, "tables": tables})
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
