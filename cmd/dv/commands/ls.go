package commands

import (
	"fmt"
	"path"

	"debvault/pkg/core"
	"debvault/pkg/exporter"

	"github.com/spf13/cobra"
)

var lsRecursive bool

var lsCmd = &cobra.Command{
	Use:   "ls <ref|hash> [path]",
	Short: "List a tree like 'ostree ls'",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		root, err := DV.ResolveObject(ctx, args[0])
		if err != nil {
			return err
		}
		sub := ""
		if len(args) == 2 {
			sub = args[1]
		}

		r := exporter.NewReader(DV.Store)
		start, err := r.Resolve(ctx, root, sub)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		prefix := path.Clean("/" + sub)

		printEntry := func(p string, e core.TreeEntry) {
			kind := "-"
			switch e.Kind {
			case core.EntryDir:
				kind = "d"
			case core.EntrySymlink:
				kind = "l"
			}
			size := e.Size
			if e.IsDir() {
				size = 0
			}
			fmt.Fprintf(out, "%s0%04o %10d %s\n", kind, e.Mode, size, p)
		}

		printEntry(prefix, start)
		if !start.IsDir() {
			return nil
		}
		return r.Walk(ctx, start.Cid.Hash, func(p string, e core.TreeEntry) error {
			printEntry(path.Join(prefix, p), e)
			if e.IsDir() && !lsRecursive {
				return exporter.ErrSkipDir
			}
			return nil
		})
	},
}

func init() {
	lsCmd.Flags().BoolVarP(&lsRecursive, "recursive", "R", false, "descend into directories")
	rootCmd.AddCommand(lsCmd)
}
