package commands

import (
	"fmt"

	"debvault/pkg/exporter"

	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <a> <b>",
	Short: "Show paths added (A), removed (D) or modified (M) between two trees",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := DV.ResolveObject(ctx, args[0])
		if err != nil {
			return err
		}
		b, err := DV.ResolveObject(ctx, args[1])
		if err != nil {
			return err
		}

		changes, err := exporter.NewReader(DV.Store).Diff(ctx, a, b)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range changes {
			fmt.Fprintf(out, "%s /%s\n", c.Kind, c.Path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
