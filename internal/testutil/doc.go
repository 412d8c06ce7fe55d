// Package testutil provides shared test utilities for stockstream.
//
// # Fixtures
//
// The fixtures.go file provides sample service payloads:
//
//   - SampleProgressJSON, SampleNaNProgressJSON - progress events
//   - SampleCompleteJSON - a terminal result scoring 82
//   - SampleStageErrorJSON, SampleErrorFieldJSON - the two error shapes
//   - SampleSubmitAccepted, SampleSubmitRejected - submit replies
//   - SSEEvent, SSENamedEvent, SSEComment - Server-Sent Events framing
//
// # Recording callbacks
//
// Recorder[T] collects values from callbacks running on other goroutines
// and waits for them with require.Eventually:
//
//	var changes testutil.Recorder[progress.Snapshot]
//	client := progress.NewClient(tr, progress.WithHooks(progress.Hooks{OnChange: changes.Add}))
//	...
//	changes.WaitFor(t, func(s progress.Snapshot) bool { return s.Phase == progress.PhaseComplete })
//
// # Environment Helpers
//
//   - SetupTestDir(t, baseURL) - temp directory with .stockstream/config.yaml
//   - MustMarshalJSON, MustUnmarshalJSON, WriteTestFile
//   - JobContext(t), ContextWithTestDeadline(t, fallback) - bounded contexts
//
// # Assertions
//
//   - AssertClosed, AssertNotClosed - channel state
//   - AssertStable - a counter stops changing
//   - AssertJSONField - a field of a JSON payload
package testutil
