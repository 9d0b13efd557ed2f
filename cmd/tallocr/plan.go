package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/tallocr/internal/imageio"
	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

func newPlanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <image>",
		Short: "Show how a screenshot would be tiled",
		Long:  "Print the tile plan for a screenshot without calling any recognition backend.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			pcfg := cfg.Pipeline.Options()

			dec, err := imageio.DecodeFile(args[0], 0)
			if err != nil {
				return err
			}
			specs, err := pipeline.Plan(dec.Source.Height, pcfg)
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), dec, pcfg, specs)
		},
	}
}

func writePlan(w io.Writer, dec imageio.Decoded, cfg pipeline.Config, specs []pipeline.TileSpec) error {
	fmt.Fprintf(w, "%s %dx%d, tile height %d, overlap %d: %d tiles\n",
		dec.Format, dec.Source.Width, dec.Source.Height, cfg.TileHeight, cfg.OverlapPx, len(specs))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TILE\tY_START\tY_END\tHEIGHT")
	for _, s := range specs {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", s.Index, s.YStart, s.YEnd, s.Height())
	}
	return tw.Flush()
}
