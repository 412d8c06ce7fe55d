// Package progress drives one remote stock-analysis job from submission to a
// terminal outcome. It subscribes to the job's server-sent event stream,
// detects silent connections, reconnects with backoff, and delivers progress
// updates and exactly one terminal result or error to the caller.
package progress

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// DefaultMarket is used when a SubjectKey has no market set.
const DefaultMarket = "A"

// Default values for Options.
const (
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultWaitingThreshold     = 30 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultInitialBackoff       = 1 * time.Second
	DefaultMaxBackoff           = 10 * time.Second
)

// Well-known stages emitted by the analysis service. The vocabulary is not
// exhaustive; unknown stages are opaque display labels.
const (
	StageUnknown  = "unknown"
	StageWaiting  = "waiting"
	StageComplete = "complete"
	StageError    = "error"
)

// SubjectKey identifies what a job analyzes.
type SubjectKey struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
}

// Normalize trims whitespace and applies the default market.
func (k SubjectKey) Normalize() SubjectKey {
	k.Symbol = strings.TrimSpace(k.Symbol)
	k.Market = strings.ToUpper(strings.TrimSpace(k.Market))
	if k.Market == "" {
		k.Market = DefaultMarket
	}
	return k
}

// Validate reports whether the key can be submitted.
func (k SubjectKey) Validate() error {
	if strings.TrimSpace(k.Symbol) == "" {
		return ErrInvalidSubject
	}
	return nil
}

func (k SubjectKey) String() string {
	return k.Symbol + "." + k.Market
}

// Options tunes the staleness and reconnection behavior of a job.
// Zero fields take their defaults.
type Options struct {
	// HeartbeatInterval is how often the connection is checked for silence.
	HeartbeatInterval time.Duration
	// WaitingThreshold is the silence after which WaitingForServer is raised.
	WaitingThreshold time.Duration
	// MaxReconnectAttempts bounds consecutive failed connection attempts.
	// Negative means no reconnects at all.
	MaxReconnectAttempts int
	// InitialBackoff is the delay before the first reconnect; it doubles per attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
}

// DefaultOptions returns Options with every field set to its default.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:    DefaultHeartbeatInterval,
		WaitingThreshold:     DefaultWaitingThreshold,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		InitialBackoff:       DefaultInitialBackoff,
		MaxBackoff:           DefaultMaxBackoff,
	}
}

// withDefaults fills zero fields from base.
func (o Options) withDefaults(base Options) Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = base.HeartbeatInterval
	}
	if o.WaitingThreshold <= 0 {
		o.WaitingThreshold = base.WaitingThreshold
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = base.MaxReconnectAttempts
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = base.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = base.MaxBackoff
	}
	return o
}

// ProgressState is the latest known status of a job.
type ProgressState struct {
	Stage   string         `json:"stage"`
	Percent int            `json:"progress"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// ElapsedSeconds is the server-reported elapsed time, if any.
	ElapsedSeconds *float64 `json:"elapsed_seconds,omitempty"`

	// WaitingForServer is set while the connection is open but silent
	// beyond the waiting threshold.
	WaitingForServer bool `json:"waiting_for_server"`
}

func (s *ProgressState) clone() *ProgressState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Details != nil {
		c.Details = make(map[string]any, len(s.Details))
		for k, v := range s.Details {
			c.Details[k] = v
		}
	}
	if s.ElapsedSeconds != nil {
		v := *s.ElapsedSeconds
		c.ElapsedSeconds = &v
	}
	return &c
}

// Phase is the client's position in the job state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSubmitting   Phase = "submitting"
	PhaseStreaming    Phase = "streaming"
	PhaseWaiting      Phase = "waiting"
	PhaseReconnecting Phase = "reconnecting"
	PhaseComplete     Phase = "complete"
	PhaseErrored      Phase = "errored"
)

// Terminal reports whether no further events follow this phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseErrored
}

// Snapshot is the observable state of a Client.
type Snapshot struct {
	Phase    Phase          `json:"phase"`
	Subject  SubjectKey     `json:"subject"`
	JobID    string         `json:"job_id,omitempty"`
	Progress *ProgressState `json:"progress,omitempty"`

	IsRunning bool   `json:"is_running"`
	HasError  bool   `json:"has_error"`
	Error     string `json:"error,omitempty"`
	// Err is the typed error behind Error.
	Err error `json:"-"`

	// Result is the final payload once Phase is PhaseComplete.
	Result json.RawMessage `json:"result,omitempty"`

	// Attempt is the number of consecutive failed connection attempts.
	Attempt int `json:"attempt"`

	// Elapsed is the client-side time since the stream first opened.
	Elapsed time.Duration `json:"elapsed"`
}

// ElapsedSeconds prefers the server-reported elapsed time and falls back to
// the client-side clock.
func (s Snapshot) ElapsedSeconds() float64 {
	if s.Progress != nil && s.Progress.ElapsedSeconds != nil {
		return *s.Progress.ElapsedSeconds
	}
	return s.Elapsed.Seconds()
}

func (s Snapshot) clone() Snapshot {
	s.Progress = s.Progress.clone()
	return s
}

// Hooks are invoked at state transitions. Callbacks never run concurrently
// with each other and may call Start or Stop.
type Hooks struct {
	OnProgress func(ProgressState)
	OnComplete func(result json.RawMessage)
	OnError    func(message string)
	// OnChange receives every observable update, including the ones above.
	OnChange func(Snapshot)
}

// Frame is one message received from a stream.
type Frame struct {
	Event string
	ID    string
	Data  []byte
	// Heartbeat marks keep-alive frames that carry no payload.
	Heartbeat bool
}

// Stream is an open subscription to a job's events.
type Stream interface {
	// Next blocks until the next frame arrives or the stream ends.
	Next() (Frame, error)
	// Close releases the subscription. It must be safe to call repeatedly.
	Close() error
}

// Transport reaches the remote analysis service.
type Transport interface {
	// Submit starts a job and returns its id.
	Submit(ctx context.Context, key SubjectKey) (string, error)
	// Open subscribes to the event stream of a job.
	Open(ctx context.Context, jobID string) (Stream, error)
}
