package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/stockpilot/stockstream/internal/analysis"
	"github.com/stockpilot/stockstream/internal/progress"
)

var (
	analyzeMarket string
	analyzeFresh  bool
	analyzeMaxAge time.Duration
	analyzeQuiet  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <symbol>",
	Short: "Analyze a stock and print the result",
	Long: `Submits an analysis job for the stock, shows its progress on stderr and
prints the result JSON on stdout.

A result saved within the cache max age is printed without contacting the
service. Use --fresh to always run a new job.

Example:
  stockstream analyze 000001
  stockstream analyze AAPL --market US --fresh`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeMarket, "market", "m", progress.DefaultMarket, "market code")
	analyzeCmd.Flags().BoolVar(&analyzeFresh, "fresh", false, "ignore saved results")
	analyzeCmd.Flags().DurationVar(&analyzeMaxAge, "max-age", 0, "serve saved results younger than this (default: cache.max_age)")
	analyzeCmd.Flags().BoolVarP(&analyzeQuiet, "quiet", "q", false, "do not show progress")

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	cfg := *settings
	if analyzeMaxAge > 0 {
		cfg.Cache.MaxAge = analyzeMaxAge
	}

	svc, closeStore, err := openService(&cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	key := progress.SubjectKey{Symbol: args[0], Market: analyzeMarket}

	var obs analysis.Observer
	var bar *progressbar.ProgressBar
	if !analyzeQuiet {
		bar = newProgressBar(cmd.ErrOrStderr(), key.Normalize().String())
		obs.OnProgress = func(st progress.ProgressState) {
			renderProgress(bar, st)
		}
	}

	out, err := svc.Run(ctx, key, analysis.RunOptions{
		Fresh:   analyzeFresh,
		Options: cfg.StreamOptions(),
	}, obs)
	if bar != nil {
		bar.Exit()
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}

	if out.Cached {
		fmt.Fprintf(cmd.ErrOrStderr(), "Using saved result from %s (job %s)\n",
			out.Record.CreatedAt.Local().Format(time.DateTime), out.Record.JobID)
	}
	return printJSON(cmd.OutOrStdout(), out.Record.Result)
}

func newProgressBar(w io.Writer, subject string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(subject),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionThrottle(50*time.Millisecond),
	)
}

func renderProgress(bar *progressbar.ProgressBar, st progress.ProgressState) {
	desc := st.Stage
	if st.Message != "" {
		desc = st.Message
	}
	if st.WaitingForServer {
		desc += " (waiting for server)"
	}
	bar.Describe(desc)
	if pct := st.Percent; pct >= 0 && pct <= 100 {
		_ = bar.Set(pct)
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
