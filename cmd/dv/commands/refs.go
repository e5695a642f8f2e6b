package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var refsCmd = &cobra.Command{
	Use:   "refs [glob]",
	Short: "List refs, optionally filtered by a glob such as 'deb/images/**'",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}
		list, err := DV.Refs.List(cmd.Context(), pattern)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, r := range list {
			fmt.Fprintf(tw, "%s\t%s\tv%d\n", r.Name, r.Hash, r.Version)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(refsCmd)
}
