package commands

import (
	"fmt"
	"time"

	"debvault/pkg/graph"
	"debvault/pkg/pipeline"
	"debvault/pkg/refs"

	"github.com/spf13/cobra"
)

var (
	buildUnpackOnly bool
	buildJobs       int
	buildTargets    []string
)

var buildCmd = &cobra.Command{
	Use:   "build <config|lockfile>...",
	Short: "Build images from multistrap configs or lockfiles",
	Long: `Register every image in the build graph and build it. Tasks whose inputs have not
changed since the last run are skipped; only the affected part of the graph is rebuilt.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()
		out := cmd.OutOrStdout()

		p, images, err := newPipeline(ctx, args, buildUnpackOnly)
		if err != nil {
			return err
		}

		targets := buildTargets
		if len(targets) == 0 {
			targets = []string{pipeline.TargetImages}
			if buildUnpackOnly {
				targets = []string{pipeline.TargetUnpackedImages}
			}
		}

		fmt.Fprintf(out, "🔨 Building %d image(s): %v\n", len(images), targets)
		report, buildErr := DV.NewEngine(p.Graph(), buildJobs).Build(ctx, targets...)
		if report != nil {
			fmt.Fprintf(out, "   built %d, clean %d, failed %d, skipped %d (run %s)\n",
				report.Count(graph.StateBuilt), report.Count(graph.StateClean),
				report.Count(graph.StateFailed), report.Count(graph.StateSkipped), report.RunID)
		}
		if buildErr != nil {
			return fmt.Errorf("build failed:\n%w", buildErr)
		}

		for _, img := range images {
			facet := refs.FacetConfigured
			if buildUnpackOnly {
				facet = refs.FacetUnpacked
			}
			name := refs.Image(img.Name, facet)
			h, err := DV.Refs.Resolve(ctx, name)
			if err != nil {
				continue
			}
			fmt.Fprintf(out, "📦 %s -> %s (%d packages)\n", name, h.Short(), img.Packages)
		}
		fmt.Fprintf(out, "✅ Done in %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	buildCmd.Flags().BoolVar(&buildUnpackOnly, "unpack-only", false, "stop after the unpacked stage (no privileged configure)")
	buildCmd.Flags().IntVarP(&buildJobs, "jobs", "j", 0, "maximum concurrent tasks (default build.jobs)")
	buildCmd.Flags().StringSliceVar(&buildTargets, "target", nil, "build these targets instead of all images")
	rootCmd.AddCommand(buildCmd)
}
