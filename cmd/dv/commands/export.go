package commands

import (
	"fmt"

	"debvault/pkg/exporter"

	"github.com/google/renameio"
	"github.com/spf13/cobra"
)

var (
	exportOCI  string
	exportTar  string
	exportTag  string
	exportArch string
)

var exportCmd = &cobra.Command{
	Use:   "export (--oci <file> | --tar <file>) <ref|hash>",
	Short: "Export a tree as an OCI image tarball or a plain tar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (exportOCI == "") == (exportTar == "") {
			return fmt.Errorf("exactly one of --oci or --tar is required")
		}
		ctx := cmd.Context()
		root, err := DV.ResolveObject(ctx, args[0])
		if err != nil {
			return err
		}
		exp := exporter.NewExporter(DV.Store)
		out := cmd.OutOrStdout()

		if exportOCI != "" {
			err := exp.ExportOCI(ctx, root, exportOCI, exporter.OCIOptions{Tag: exportTag, Architecture: exportArch})
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			fmt.Fprintf(out, "🐳 Wrote %s (%s) from %s\n", exportOCI, exportTag, root.Short())
			return nil
		}

		// 写完才替换目标文件，失败时不留下半个 tar
		t, err := renameio.TempFile("", exportTar)
		if err != nil {
			return err
		}
		defer t.Cleanup()
		if err := exp.WriteTar(ctx, root, t); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if err := t.CloseAtomicallyReplace(); err != nil {
			return err
		}
		fmt.Fprintf(out, "📦 Wrote %s from %s\n", exportTar, root.Short())
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOCI, "oci", "", "write a docker-loadable OCI image tarball")
	exportCmd.Flags().StringVar(&exportTar, "tar", "", "write a plain tar of the tree")
	exportCmd.Flags().StringVar(&exportTag, "tag", "debvault/image:latest", "image tag for --oci")
	exportCmd.Flags().StringVar(&exportArch, "arch", "amd64", "image architecture for --oci")
	rootCmd.AddCommand(exportCmd)
}

