package testutil

import (
	"fmt"
	"strings"
)

// Sample subjects used across tests.
const (
	SampleSymbol  = "000001"
	SampleMarket  = "A"
	SampleJobID   = "J1"
	SampleAIError = "AI分析失败"
)

// SampleProgressJSON is a mid-analysis progress event at 40%.
const SampleProgressJSON = `{"stage": "collect_news", "progress": 40, "message": "Collecting news", "details": {"count": 12}, "elapsed_seconds": 12.5}`

// SampleNaNProgressJSON carries a bare NaN the way the service emits
// indicators it could not compute.
const SampleNaNProgressJSON = `{"stage": "calculate_technical", "progress": 30, "message": "Calculating technical indicators", "details": {"rsi": NaN, "macd": -Infinity, "note": "NaN in a string"}}`

// SampleCompleteJSON ends a job with a result scoring 82.
const SampleCompleteJSON = `{"stage": "complete", "progress": 100, "message": "Analysis complete", "result": {"overallScore": 82, "recommendation": "buy"}}`

// SampleStageErrorJSON is an error reported through the stage field.
const SampleStageErrorJSON = `{"stage": "error", "progress": -1, "message": "AI分析失败"}`

// SampleErrorFieldJSON is an error reported through the error field.
const SampleErrorFieldJSON = `{"error": "AI分析失败"}`

// SampleSubmitAccepted is the service's reply to an accepted submission.
const SampleSubmitAccepted = `{"success": true, "job_id": "J1"}`

// SampleSubmitRejected is the service's reply to a rejected submission.
const SampleSubmitRejected = `{"success": false, "error": "quota exceeded"}`

// SSEEvent formats payload as one Server-Sent Events data event. Multi-line
// payloads are split across data lines.
func SSEEvent(payload string) string {
	var b strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

// SSENamedEvent formats payload as an event with the given name.
func SSENamedEvent(event, payload string) string {
	return "event: " + event + "\n" + SSEEvent(payload)
}

// SSEComment formats a comment line, which servers use as a heartbeat.
func SSEComment(text string) string {
	return ": " + text + "\n\n"
}
