package progress

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSubject is returned by Start when the symbol is empty.
	ErrInvalidSubject = errors.New("symbol is required")

	// ErrMalformedMessage marks a stream message that could not be decoded.
	// It never terminates a job.
	ErrMalformedMessage = errors.New("malformed stream message")
)

// networkPrefix marks errors caused by connectivity rather than by the analysis.
const networkPrefix = "network error: "

// SubmissionError is returned when a job could not be started.
type SubmissionError struct {
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	// Message is the server-provided reason, if any.
	Message string
	// Err is the underlying transport error, if any.
	Err error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("%sfailed to start analysis: %v", networkPrefix, e.Err)
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("failed to start analysis (status %d): %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("failed to start analysis (status %d)", e.StatusCode)
	case e.Message != "":
		return "failed to start analysis: " + e.Message
	default:
		return "failed to start analysis"
	}
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// StreamError is reported after reconnect attempts are exhausted.
type StreamError struct {
	Attempts int
	Err      error
}

func (e *StreamError) Error() string {
	msg := fmt.Sprintf("%sconnection failed repeatedly (%d attempts)", networkPrefix, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// AnalysisError is an error reported by the analysis service itself.
// It is never retried.
type AnalysisError struct {
	Message string
}

func (e *AnalysisError) Error() string {
	return e.Message
}
