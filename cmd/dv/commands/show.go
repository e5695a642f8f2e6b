package commands

import (
	"bytes"
	"fmt"

	"debvault/pkg/dpkg"
	"debvault/pkg/exporter"
	"debvault/pkg/lockfile"
	"debvault/pkg/refs"
	"debvault/pkg/types"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <package-namespace>",
	Short: "Show the dpkg metadata footprint of a fetched package",
	Long: `Merge the package's info tree with its status and available records and list the
result. The namespace is the pool key: the part of a 'dv refs deb/pool/**' name between
'deb/pool/' and the facet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ns := args[0]

		m := &dpkg.Metadata{}
		for _, f := range []struct {
			facet string
			dst   *types.Hash
		}{
			{refs.FacetInfo, &m.Info},
			{refs.FacetStatus, &m.Status},
			{refs.FacetAvailable, &m.Available},
		} {
			h, err := DV.Refs.Resolve(ctx, refs.Pool(ns, f.facet))
			if err != nil {
				return err
			}
			*f.dst = h
		}

		r := exporter.NewReader(DV.Store)
		status, err := r.Blob(ctx, m.Status)
		if err != nil {
			return err
		}
		paras, err := lockfile.ParseParagraphs(bytes.NewReader(status))
		if err != nil || len(paras) == 0 {
			return fmt.Errorf("malformed status record for %s", ns)
		}
		m.Package, _ = paras[0].Get("Package")

		root, err := dpkg.NewDeriver(DV.Store).Footprint(ctx, m)
		if err != nil {
			return err
		}
		paths, err := r.ListPaths(ctx, root)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Package:   %s\nFootprint: %s\n\n", m.Package, root)
		for _, p := range paths {
			fmt.Fprintln(out, p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
