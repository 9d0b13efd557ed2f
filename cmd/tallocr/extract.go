package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/tallocr/internal/imageio"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

type extractOptions struct {
	*options
	backend string
	output  string
	tiles   bool
}

func newExtractCmd(shared *options) *cobra.Command {
	opts := &extractOptions{options: shared}

	cmd := &cobra.Command{
		Use:   "extract <image>",
		Short: "Recognize the text of a screenshot",
		Long: `Recognize the text of a screenshot and print it.

Ctrl-C stops the run; the text read so far is printed together with a
warning that the result is partial.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "tiles recognized at once (default from MAX_CONCURRENCY)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "per-tile recognition timeout (default from TILE_TIMEOUT)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "recognition backend: vision, tesseract or http (default from RECOGNITION_BACKEND)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the text to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.tiles, "tiles", false, "print the per-tile status table to stderr")
	return cmd
}

func runExtract(cmd *cobra.Command, opts *extractOptions, path string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd, opts.options)
	if err != nil {
		return err
	}
	if opts.backend != "" {
		cfg.Recognition.Backend = opts.backend
	}
	pcfg := cfg.Pipeline.Options()

	dec, err := imageio.DecodeFile(path, 0)
	if err != nil {
		return err
	}
	specs, err := pipeline.Plan(dec.Source.Height, pcfg)
	if err != nil {
		return err
	}

	rec, err := newRecognizer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("recognition backend: %w", err)
	}

	stderr := cmd.ErrOrStderr()
	bar := newProgress(stderr, len(specs))

	events := make(chan pipeline.Event, 2*len(specs)+1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if ev.Status.Terminal() {
				bar.Set(ev.Completed)
			}
		}
	}()

	start := time.Now()
	out, runErr := pipeline.NewExtractor(rec, pcfg).Extract(ctx, dec.Source, events)
	close(events)
	wg.Wait()
	if out == nil {
		bar.Abort()
		return runErr
	}
	if runErr == nil {
		bar.Finish()
	} else {
		bar.Abort()
	}

	if err := writeText(cmd.OutOrStdout(), opts.output, out.Text); err != nil {
		return err
	}
	if opts.tiles {
		if err := writeTileTable(stderr, out.Tiles); err != nil {
			return err
		}
	}

	warn := color.New(color.FgYellow)
	if out.Failed > 0 {
		warn.Fprintf(stderr, "warning: %d of %d tiles failed; their text is missing (see --tiles)\n", out.Failed, len(out.Tiles))
	}
	if runErr != nil {
		warn.Fprintf(stderr, "warning: run cancelled, %d of %d tiles were not read; the text above is partial\n", out.Pending, len(out.Tiles))
		return runErr
	}

	fmt.Fprintf(stderr, "read %d tiles in %s\n", len(out.Tiles), time.Since(start).Round(time.Millisecond))
	return nil
}

// writeText writes to path when set, otherwise to w.
func writeText(w io.Writer, path, text string) error {
	if text != "" {
		text += "\n"
	}
	if path == "" {
		_, err := io.WriteString(w, text)
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

