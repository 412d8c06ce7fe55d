package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stockpilot/stockstream/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [symbol]",
	Short: "List saved analyses",
	Long: `Lists the most recent saved analyses for the configured user, newest
first. With a symbol argument only that stock is listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", history.DefaultListLimit, "maximum number of entries")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	svc, closeStore, err := openService(settings)
	if err != nil {
		return err
	}
	defer closeStore()

	var symbol string
	if len(args) == 1 {
		symbol = args[0]
	}

	records, err := svc.History(commandContext(cmd), symbol, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	printHistory(cmd.OutOrStdout(), records)
	return nil
}

func printHistory(w io.Writer, records []*history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No saved analyses.")
		return
	}

	// Calculate column widths
	subjectWidth := len("SUBJECT")
	jobWidth := len("JOB")
	for _, r := range records {
		subjectWidth = max(subjectWidth, len(r.Subject().String()))
		jobWidth = max(jobWidth, len(r.JobID))
	}

	fmt.Fprintf(w, "%-19s  %-*s  %-*s  %s\n", "CREATED", subjectWidth, "SUBJECT", jobWidth, "JOB", "SCORE")
	fmt.Fprintf(w, "%s  %s  %s  %s\n", strings.Repeat("-", 19), strings.Repeat("-", subjectWidth), strings.Repeat("-", jobWidth), "-----")

	for _, r := range records {
		fmt.Fprintf(w, "%-19s  %-*s  %-*s  %s\n",
			r.CreatedAt.Local().Format(time.DateTime),
			subjectWidth, r.Subject().String(),
			jobWidth, r.JobID,
			overallScore(r.Result))
	}
}

// overallScore pulls the headline score out of a result, or "-".
func overallScore(result json.RawMessage) string {
	var parsed struct {
		OverallScore *json.Number `json:"overallScore"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.OverallScore == nil {
		return "-"
	}
	return parsed.OverallScore.String()
}
