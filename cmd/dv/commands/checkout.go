package commands

import (
	"fmt"
	"time"

	"debvault/pkg/exporter"
	"debvault/pkg/types"

	"github.com/spf13/cobra"
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout <ref|hash> <dir>",
	Short: "Materialize a tree into a directory",
	Long:  `Restore every file, directory and symlink of the tree into dir, keeping permission bits.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()

		root, err := DV.ResolveObject(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "🔄 Checking out %s into %s...\n", root.Short(), args[1])

		var files int
		var bytes int64
		err = exporter.NewExporter(DV.Store).RestoreTree(ctx, root, args[1], func(_ string, _ types.Hash, size int64) {
			files++
			bytes += size
		})
		if err != nil {
			return fmt.Errorf("checkout failed: %w", err)
		}

		fmt.Fprintf(out, "✅ Restored %d files (%d bytes) in %s\n", files, bytes, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkoutCmd)
}
