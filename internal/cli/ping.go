package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stockpilot/stockstream/internal/transport"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the analysis service is reachable",
	Long: `Fetches the service description, checks its version against
api.version_constraint and queries the health endpoint.`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	t := newTransport(settings)
	out := cmd.OutOrStdout()

	info, err := t.ServiceInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", t.BaseURL(), err)
	}
	printField(out, "URL", t.BaseURL())
	printField(out, "Service", info.Service)
	printField(out, "Version", info.Version)

	if err := transport.CheckVersion(info, settings.API.VersionConstraint); err != nil {
		return err
	}
	if err := t.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	printField(out, "Health", "healthy")
	return nil
}

// printField prints a label-value pair with aligned formatting.
func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-10s %s\n", label+":", value)
}
