package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"

	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

// progress renders settled tiles out of the planned total.
type progress struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

func newProgress(w io.Writer, total int) *progress {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("reading tiles"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
	)
	return &progress{bar: bar, out: w}
}

// Set moves the bar to n settled tiles.
func (p *progress) Set(n int) {
	_ = p.bar.Set(n)
}

func (p *progress) Finish() {
	_ = p.bar.Finish()
	fmt.Fprintln(p.out)
}

// Abort leaves the bar where it stopped.
func (p *progress) Abort() {
	_ = p.bar.Exit()
	fmt.Fprintln(p.out)
}

// writeTileTable prints one row per tile: index, rows covered, status and
// either the line count or the failure.
func writeTileTable(w io.Writer, tiles []pipeline.TileResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TILE\tROWS\tSTATUS\tDETAIL")
	for _, t := range tiles {
		detail := ""
		switch t.Status {
		case pipeline.StatusCompleted:
			detail = fmt.Sprintf("%d lines", countLines(t.Text))
		case pipeline.StatusError:
			detail = t.Error
		}
		fmt.Fprintf(tw, "%d\t%d-%d\t%s\t%s\n", t.Index, t.YStart, t.YEnd, t.Status, detail)
	}
	return tw.Flush()
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := 1
	for i := 0; i < len(text)-1; i++ {
		if text[i] == '\n' {
			n++
		}
	}
	return n
}
