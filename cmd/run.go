package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/orchestrator"
)

var (
	runSources []string
	runAll     bool
	runWait    bool
	runFormat  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape one or more retailers",
	Long:  "Runs the orchestrator for the selected retailers concurrently and prints the finalized run records.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if len(runSources) == 0 && !runAll {
			return eris.New("run: --source or --all is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		sources := runSources
		if runAll {
			sources = nil
		}
		if _, err := env.Registry.Select(sources); err != nil {
			return eris.Wrap(err, "run")
		}

		results, err := env.Orchestrator.RunAll(ctx, sources, orchestrator.RunOptions{Wait: runWait})
		if err != nil {
			return eris.Wrap(err, "run")
		}

		if err := writeStructured(os.Stdout, runFormat, runSummaries(results)); err != nil {
			return err
		}

		if failed := countUnsuccessful(results); failed > 0 {
			return eris.Errorf("run: %d of %d retailer(s) did not complete", failed, len(results))
		}
		zap.L().Info("all runs completed", zap.Int("retailers", len(results)))
		return nil
	},
}

// runSummary is the printable form of an orchestrator.Result.
type runSummary struct {
	Source string             `json:"source" yaml:"source"`
	Run    *model.ScrapingRun `json:"run,omitempty" yaml:"run,omitempty"`
	Error  string             `json:"error,omitempty" yaml:"error,omitempty"`
}

func runSummaries(results []orchestrator.Result) []runSummary {
	out := make([]runSummary, 0, len(results))
	for _, r := range results {
		s := runSummary{Source: r.Source, Run: r.Run}
		if r.Err != nil {
			s.Error = r.Err.Error()
		}
		out = append(out, s)
	}
	return out
}

func countUnsuccessful(results []orchestrator.Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil || r.Run == nil || r.Run.Status != model.RunStatusCompleted {
			n++
		}
	}
	return n
}

func init() {
	runCmd.Flags().StringSliceVar(&runSources, "source", nil, "retailer name (repeatable)")
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every configured retailer")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "queue behind an in-flight run instead of failing")
	runCmd.Flags().StringVar(&runFormat, "format", "json", "output format (json, yaml)")
	runCmd.MarkFlagsMutuallyExclusive("source", "all")
	rootCmd.AddCommand(runCmd)
}
