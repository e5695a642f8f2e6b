package commands

import (
	"fmt"

	"debvault/pkg/app"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:         "init",
	Short:       "Initialize a debvault repository",
	Long:        `Create the .dv directory, the object store and the build ledger in the current directory.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipApp: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		created, err := app.Init()
		if err != nil {
			return err
		}

		// NewApp 会创建对象目录并迁移账本表结构
		a, err := app.NewApp(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if !created {
			fmt.Fprintf(out, "⚠️  debvault repository already exists in %s\n", a.RepoPath)
			return nil
		}
		fmt.Fprintf(out, "✅ Initialized empty debvault repository in %s\n", a.RepoPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
