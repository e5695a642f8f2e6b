package commands

import (
	"fmt"

	"debvault/pkg/exporter"
	"debvault/pkg/storage"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat <ref|hash> [path]",
	Short: "Print an object, or a file inside a tree",
	Long: `Without a path, trees are printed as a table and blobs are written raw to stdout.
With a path, the file at that path inside the tree is written to stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		hash, err := DV.ResolveObject(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 2 {
			data, err := exporter.NewReader(DV.Store).ReadFile(ctx, hash, args[1])
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		}

		data, err := storage.ReadAll(ctx, DV.Store, hash)
		if err != nil {
			return fmt.Errorf("cat failed: %w", err)
		}
		isTree, err := exporter.PrintStructure(data, out)
		if err != nil || isTree {
			return err
		}
		_, err = out.Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
