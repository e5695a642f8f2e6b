package commands

import (
	"fmt"
	"io"

	"debvault/pkg/graph"

	"github.com/disiqueira/gotree"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
)

var graphOnly string

var graphCmd = &cobra.Command{
	Use:   "graph <config|lockfile>...",
	Short: "Print the build graph as a tree",
	Long: `Print every phony target and the tasks it pulls in. Shared subtrees are printed once
and referenced afterwards. Use --only to select targets with a glob such as 'image/*'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := newPipeline(cmd.Context(), args, false)
		if err != nil {
			return err
		}
		if err := p.Graph().Validate(); err != nil {
			return err
		}
		return renderGraph(cmd.OutOrStdout(), p.Graph(), graphOnly)
	},
}

// renderGraph 只画数据依赖；order-only 前置 (store/config) 对每个任务都一样，画出来只是噪音
func renderGraph(w io.Writer, g *graph.Graph, only string) error {
	var match glob.Glob
	if only != "" {
		var err error
		if match, err = glob.Compile(only, '/'); err != nil {
			return fmt.Errorf("invalid --only pattern %q: %w", only, err)
		}
	}

	seen := make(map[string]bool)
	var addTask func(parent gotree.Tree, t *graph.Task)
	addTask = func(parent gotree.Tree, t *graph.Task) {
		label := fmt.Sprintf("[%s] %s", t.Rule, t.Name)
		if seen[t.Name] {
			parent.Add(label + " ↑")
			return
		}
		seen[t.Name] = true
		node := parent.Add(label)
		for _, in := range t.Inputs {
			if dep, ok := g.Producer(in); ok {
				addTask(node, dep)
			} else {
				node.Add("source " + in)
			}
		}
	}

	for _, name := range g.Phonies() {
		if match != nil && !match.Match(name) {
			continue
		}
		inputs, _ := g.PhonyInputs(name)
		root := gotree.New(name)
		for _, in := range inputs {
			if t, ok := g.Producer(in); ok {
				addTask(root, t)
			} else if t, ok := g.Task(in); ok {
				addTask(root, t)
			} else {
				root.Add("→ " + in)
			}
		}
		fmt.Fprint(w, root.Print())
	}
	return nil
}

func init() {
	graphCmd.Flags().StringVar(&graphOnly, "only", "", "only print targets matching this glob")
	rootCmd.AddCommand(graphCmd)
}
