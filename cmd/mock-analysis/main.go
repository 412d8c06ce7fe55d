// Standalone mock of the analysis service for local development.
// Run with: go run ./cmd/mock-analysis
// Then: PYTHON_API_URL=http://localhost:8000 go run ./cmd/stockstream analyze 000001
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stockpilot/stockstream/internal/logging"
	"github.com/stockpilot/stockstream/internal/mockservice"
)

var (
	port     int
	interval time.Duration
	failWith string
	reject   int
	version  string
)

var rootCmd = &cobra.Command{
	Use:          "mock-analysis",
	Short:        "Serve a scripted stand-in for the stock analysis service",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         run,
}

func init() {
	rootCmd.Flags().IntVarP(&port, "port", "p", 8000, "port to listen on")
	rootCmd.Flags().DurationVar(&interval, "interval", 300*time.Millisecond, "pause between progress events")
	rootCmd.Flags().StringVar(&failWith, "fail", "", "end every job with this analysis error")
	rootCmd.Flags().IntVar(&reject, "reject", 0, "refuse submissions with this HTTP status")
	rootCmd.Flags().StringVar(&version, "service-version", mockservice.DefaultVersion, "version reported by GET /")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.SetLevel(logging.LevelInfo)

	script := mockservice.DefaultScript(interval)
	if failWith != "" {
		script = mockservice.FailingScript(failWith)
	}
	opts := []mockservice.Option{
		mockservice.WithScript(script),
		mockservice.WithVersion(version),
	}
	if reject != 0 {
		opts = append(opts, mockservice.WithSubmitFailure(reject, `{"detail": "submission rejected"}`))
	}
	mock := mockservice.New(opts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Printf("Mock analysis service running on http://localhost:%d\n", port)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-cmd.Context().Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Streams hang until the client leaves, so fall back to closing them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}
