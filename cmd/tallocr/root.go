package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/tallocr/internal/config"
	"github.com/nikhilbhutani/tallocr/internal/llm"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
	"github.com/nikhilbhutani/tallocr/internal/recognition"
)

// options hold the flags shared by every subcommand.
type options struct {
	tileHeight  int
	overlap     int
	concurrency int
	timeout     time.Duration
	verbose     bool
}

// newRecognizer builds the recognition backend for a local run; tests swap it.
var newRecognizer = func(ctx context.Context, cfg *config.Config) (pipeline.Recognizer, error) {
	gw, err := llm.NewGateway(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	return recognition.New(cfg.Recognition, recognition.Options{
		Gateway:        gw,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
	})
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "tallocr",
		Short: "Read text out of tall screenshots",
		Long: `tallocr cuts a tall screenshot into overlapping horizontal tiles, sends the
tiles to a recognition backend in parallel and stitches the recognized text
back together, dropping the lines the overlap repeats.

Backend credentials and defaults are read from the environment (or .env).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	root.PersistentFlags().IntVar(&opts.tileHeight, "tile-height", 0, "tile height in pixels (default from TILE_HEIGHT)")
	root.PersistentFlags().IntVar(&opts.overlap, "overlap", 0, "rows shared by adjacent tiles (default from TILE_OVERLAP)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newExtractCmd(opts), newPlanCmd(opts))
	return root
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("tile-height") {
		cfg.Pipeline.TileHeight = opts.tileHeight
	}
	if flags.Changed("overlap") {
		cfg.Pipeline.Overlap = opts.overlap
	}
	if flags.Changed("concurrency") {
		cfg.Pipeline.MaxConcurrency = opts.concurrency
	}
	if flags.Changed("timeout") {
		cfg.Pipeline.TileTimeout = opts.timeout
	}
	return cfg, nil
}
