package commands

import (
	"fmt"
	"path/filepath"

	"debvault/pkg/config"
	"debvault/pkg/pipeline"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var gitignoreCmd = &cobra.Command{
	Use:         "gitignore [extra-path]...",
	Short:       "Write .gitignore entries for generated build state",
	Long:        `List the repository directory and build.dir in .gitignore. Lockfiles are meant to be committed and are never listed.`,
	Annotations: map[string]string{skipApp: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		entries := pipeline.GitignoreEntries(config.RepoDir, viper.GetString("build.dir"), args...)
		path := filepath.Join(".", ".gitignore")
		changed, err := pipeline.WriteGitignore(path, entries)
		if err != nil {
			return err
		}
		if changed {
			fmt.Fprintf(cmd.OutOrStdout(), "✏️  Updated %s (%d entries)\n", path, len(entries))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "= %s is up to date\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gitignoreCmd)
}
