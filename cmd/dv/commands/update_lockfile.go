package commands

import (
	"fmt"

	"debvault/pkg/graph"
	"debvault/pkg/multistrap"
	"debvault/pkg/pipeline"

	"github.com/spf13/cobra"
)

var updateLockfileCmd = &cobra.Command{
	Use:   "update-lockfile <config>...",
	Short: "Resolve package sets and rewrite <config>.lock",
	Long: `Resolve each multistrap config against its archive and write the pinned package set
next to it. The lockfile is only rewritten when its content changes, so unchanged
images stay clean on the next build.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		bc, err := DV.BuildContext()
		if err != nil {
			return err
		}
		p, err := pipeline.New(bc)
		if err != nil {
			return err
		}
		for _, arg := range args {
			cfg, err := multistrap.Load(DV.Path(arg))
			if err != nil {
				return err
			}
			cfg.ConfigPath = arg
			if _, err := p.AddLockfileUpdate(cfg.Request()); err != nil {
				return err
			}
		}
		if err := p.Finish(); err != nil {
			return err
		}

		report, err := DV.NewEngine(p.Graph(), 0).Build(ctx, pipeline.TargetUpdateLockfiles)
		if err != nil {
			return fmt.Errorf("update failed:\n%w", err)
		}
		for _, name := range report.Names(graph.StateBuilt) {
			res := report.Results[name]
			if res.Rule != "update-lockfile" {
				continue
			}
			mark := "="
			if res.Changed {
				mark = "✏️"
			}
			fmt.Fprintf(out, "%s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(updateLockfileCmd)
}
