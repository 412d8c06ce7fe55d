package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/stockpilot/stockstream/internal/logging"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// WithHooks sets the transition callbacks.
func WithHooks(h Hooks) ClientOption {
	return func(c *Client) {
		c.hooks = h
	}
}

// WithDefaultOptions sets the options that fill zero fields of the
// Options passed to Start.
func WithDefaultOptions(o Options) ClientOption {
	return func(c *Client) {
		c.defaults = o.withDefaults(DefaultOptions())
	}
}

// Client drives at most one analysis job at a time. Starting a new job
// supersedes the previous one; Stop cancels the current one.
//
// A Client is safe for concurrent use. Hooks run on the job's goroutine,
// one at a time.
type Client struct {
	transport Transport
	hooks     Hooks
	defaults  Options
	log       *logging.Logger

	// mu guards job, snap and openedAt.
	mu       sync.Mutex
	job      *job
	snap     Snapshot
	openedAt time.Time

	// cbMu serializes hook invocations. It is never acquired while mu is held.
	cbMu sync.Mutex
}

// NewClient creates a Client that reaches the service through t.
func NewClient(t Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		defaults:  DefaultOptions(),
		log:       logging.With("component", "progress"),
		snap:      Snapshot{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// job owns every resource of one submission.
type job struct {
	key    SubjectKey
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    *logging.Logger

	// Owned by the run goroutine.
	id       string
	conn     *attempt
	failures int

	// closed and superseded are guarded by Client.mu. closed is set once the
	// job may not change state any more; superseded once Start or Stop took
	// the job away, after which no hook may fire for it.
	closed     bool
	superseded bool
}

// attempt is one underlying stream connection. A new attempt replaces the
// previous one on every reconnect.
type attempt struct {
	number      int
	openedAt    time.Time
	lastEventAt time.Time
	events      chan connEvent
	cancel      context.CancelFunc
	exited      chan struct{}
}

type connEventKind int

const (
	connOpened connEventKind = iota
	connFrame
	connClosed
)

type connEvent struct {
	kind  connEventKind
	frame Frame
	err   error
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Start submits a job for key and begins streaming its progress. Any job
// already running is torn down first. Start does not block; it only returns
// an error when key is invalid.
//
// The job is bound to ctx: cancelling it has the same effect as Stop.
func (c *Client) Start(ctx context.Context, key SubjectKey, opts Options) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = key.Normalize()

	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		key:    key,
		opts:   opts.withDefaults(c.defaults),
		ctx:    jctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    c.log.With("symbol", key.String()),
	}

	c.mu.Lock()
	prev := c.job
	if prev != nil {
		prev.closed = true
		prev.superseded = true
	}
	c.job = j
	c.snap = Snapshot{Phase: PhaseSubmitting, Subject: key, IsRunning: true}
	c.openedAt = time.Time{}
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
		prev.log.Debug("job superseded")
	}

	go c.run(j, prev)
	return nil
}

// Stop cancels the current job and releases its stream, timers and any
// in-flight submission. It never invokes hooks and is safe to call at any
// time, any number of times.
func (c *Client) Stop() {
	c.mu.Lock()
	j := c.job
	if j != nil {
		j.superseded = true
	}
	if j != nil && !j.closed {
		j.closed = true
		c.snap.Phase = PhaseIdle
		c.snap.IsRunning = false
		c.snap.Attempt = 0
		if c.snap.Progress != nil {
			c.snap.Progress.WaitingForServer = false
		}
	}
	c.mu.Unlock()

	if j != nil {
		j.cancel()
	}
}

// Snapshot returns the current observable state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.IsRunning && !c.openedAt.IsZero() {
		c.snap.Elapsed = time.Since(c.openedAt)
	}
	return c.snap.clone()
}

// Done returns a channel that is closed once the current job has released
// all of its resources. With no job it returns a closed channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return closedCh
	}
	return c.job.done
}

func (c *Client) run(j *job, prev *job) {
	defer close(j.done)
	defer c.release(j)

	// The superseded job must let go of its stream before the next
	// submission. prev is already cancelled, and waiting even when j is
	// superseded in turn keeps the chain ordered.
	if prev != nil {
		<-prev.done
	}
	if j.ctx.Err() != nil {
		return
	}

	// Announce the submitting phase.
	c.update(j, func(*Snapshot) bool { return true }, nil)

	id, err := c.transport.Submit(j.ctx, j.key)
	if j.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.fail(j, asSubmissionError(err))
		return
	}

	j.id = id
	j.log = j.log.With("job_id", id)
	j.log.Debug("job submitted")
	live := c.update(j, func(s *Snapshot) bool {
		s.JobID = id
		s.Phase = PhaseStreaming
		return true
	}, nil)
	if !live {
		return
	}

	c.loop(j)
}

// loop is the job's event loop. Every transport event and timer is handled
// here, one at a time.
func (c *Client) loop(j *job) {
	heartbeat := time.NewTicker(j.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var retry *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	c.dial(j)
	for {
		var events <-chan connEvent
		if j.conn != nil {
			events = j.conn.events
		}

		select {
		case <-j.ctx.Done():
			return

		case <-heartbeat.C:
			c.checkStale(j)

		case <-retryC:
			retry, retryC = nil, nil
			c.dial(j)

		case ev := <-events:
			switch ev.kind {
			case connOpened:
				c.opened(j)
			case connFrame:
				if c.received(j, ev.frame) {
					return
				}
			case connClosed:
				delay, ok := c.disconnected(j, ev.err)
				if !ok {
					return
				}
				retry = time.NewTimer(delay)
				retryC = retry.C
			}
		}
	}
}

// release tears down whatever the job still holds. It runs on every exit path.
func (c *Client) release(j *job) {
	if j.conn != nil {
		j.conn.stop()
		j.conn = nil
	}
	j.cancel()

	c.mu.Lock()
	j.superseded = true
	if c.job == j && !j.closed {
		// The parent context was cancelled.
		j.closed = true
		c.snap.Phase = PhaseIdle
		c.snap.IsRunning = false
	}
	c.mu.Unlock()
}

// dial opens a new connection attempt for the job.
func (c *Client) dial(j *job) {
	ctx, cancel := context.WithCancel(j.ctx)
	a := &attempt{
		number:      j.failures + 1,
		lastEventAt: time.Now(),
		events:      make(chan connEvent),
		cancel:      cancel,
		exited:      make(chan struct{}),
	}
	j.conn = a
	j.log.Debug("opening stream", "attempt", a.number)
	go a.pump(ctx, c.transport, j.id)
}

// pump forwards transport events into the attempt's channel until the
// stream ends or the attempt is cancelled.
func (a *attempt) pump(ctx context.Context, t Transport, jobID string) {
	defer close(a.exited)

	stream, err := t.Open(ctx, jobID)
	if err == nil && stream == nil {
		err = errors.New("transport returned no stream")
	}
	if err != nil {
		a.send(ctx, connEvent{kind: connClosed, err: err})
		return
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	if !a.send(ctx, connEvent{kind: connOpened}) {
		return
	}
	for {
		frame, err := stream.Next()
		if err != nil {
			a.send(ctx, connEvent{kind: connClosed, err: err})
			return
		}
		if !a.send(ctx, connEvent{kind: connFrame, frame: frame}) {
			return
		}
	}
}

// stop cancels the attempt and waits until its stream is closed.
func (a *attempt) stop() {
	a.cancel()
	<-a.exited
}

func (a *attempt) send(ctx context.Context, ev connEvent) bool {
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) opened(j *job) {
	now := time.Now()
	a := j.conn
	a.openedAt = now
	a.lastEventAt = now
	j.failures = 0
	j.log.Debug("stream opened", "attempt", a.number)

	wasWaiting := false
	c.update(j, func(s *Snapshot) bool {
		if c.openedAt.IsZero() {
			c.openedAt = now
		}
		wasWaiting = s.Phase == PhaseWaiting
		if s.Progress != nil {
			s.Progress.WaitingForServer = false
		}
		s.Phase = PhaseStreaming
		s.Attempt = 0
		return true
	}, func(s Snapshot) {
		if wasWaiting {
			c.notifyProgress(s)
		}
	})
}

// received handles one frame and reports whether the job reached a terminal state.
func (c *Client) received(j *job, f Frame) bool {
	if j.conn != nil {
		j.conn.lastEventAt = time.Now()
	}
	if f.Heartbeat || len(bytes.TrimSpace(f.Data)) == 0 {
		c.clearWaiting(j)
		return false
	}

	msg, err := DecodeMessage(f.Data)
	if err != nil {
		j.log.Warn("dropping malformed stream message", "error", err, "bytes", len(f.Data))
		c.clearWaiting(j)
		return false
	}

	switch m := msg.(type) {
	case ErrorMessage:
		c.fail(j, &AnalysisError{Message: m.Text})
		return true
	case CompleteMessage:
		c.complete(j, m.Result)
		return true
	case ProgressMessage:
		c.progress(j, m.State)
	}
	return false
}

func (c *Client) progress(j *job, state ProgressState) {
	state.WaitingForServer = false
	c.update(j, func(s *Snapshot) bool {
		st := state
		s.Progress = &st
		s.Phase = PhaseStreaming
		return true
	}, c.notifyProgress)
}

func (c *Client) clearWaiting(j *job) {
	c.update(j, func(s *Snapshot) bool {
		if s.Phase != PhaseWaiting {
			return false
		}
		if s.Progress != nil {
			s.Progress.WaitingForServer = false
		}
		s.Phase = PhaseStreaming
		return true
	}, c.notifyProgress)
}

func (c *Client) checkStale(j *job) {
	// A pending connection counts as silent from the moment it was dialed.
	a := j.conn
	if a == nil {
		return
	}
	silent := time.Since(a.lastEventAt)
	if silent <= j.opts.WaitingThreshold {
		return
	}
	c.update(j, func(s *Snapshot) bool {
		if s.Phase == PhaseWaiting {
			return false
		}
		if s.Progress == nil {
			s.Progress = &ProgressState{Stage: StageWaiting}
		}
		s.Progress.WaitingForServer = true
		s.Phase = PhaseWaiting
		j.log.Info("server silent, waiting", "silent", silent.Round(time.Millisecond))
		return true
	}, c.notifyProgress)
}

// disconnected handles the end of a connection attempt. It returns the delay
// before the next attempt, or false when the job is over.
func (c *Client) disconnected(j *job, cause error) (time.Duration, bool) {
	if j.conn != nil {
		j.conn.stop()
		j.conn = nil
	}
	j.failures++
	if j.failures > j.opts.MaxReconnectAttempts {
		c.fail(j, &StreamError{Attempts: j.failures, Err: cause})
		return 0, false
	}

	delay := reconnectDelay(j.opts, j.failures)
	j.log.Info("stream closed, reconnecting", "attempt", j.failures, "delay", delay, "error", cause)
	live := c.update(j, func(s *Snapshot) bool {
		if s.Progress != nil {
			s.Progress.WaitingForServer = false
		}
		s.Phase = PhaseReconnecting
		s.Attempt = j.failures
		return true
	}, nil)
	return delay, live
}

func (c *Client) complete(j *job, result json.RawMessage) {
	j.log.Debug("job complete")
	c.update(j, func(s *Snapshot) bool {
		if s.Progress != nil {
			s.Progress.WaitingForServer = false
		}
		s.Phase = PhaseComplete
		s.Result = result
		return true
	}, func(s Snapshot) {
		if c.hooks.OnComplete != nil {
			c.hooks.OnComplete(s.Result)
		}
	})
}

func (c *Client) fail(j *job, err error) {
	j.log.Warn("job failed", "error", err)
	c.update(j, func(s *Snapshot) bool {
		if s.Progress != nil {
			s.Progress.WaitingForServer = false
		}
		s.Phase = PhaseErrored
		s.HasError = true
		s.Err = err
		s.Error = err.Error()
		return true
	}, func(s Snapshot) {
		if c.hooks.OnError != nil {
			c.hooks.OnError(s.Error)
		}
	})
}

func (c *Client) notifyProgress(s Snapshot) {
	if c.hooks.OnProgress != nil && s.Progress != nil {
		c.hooks.OnProgress(*s.Progress)
	}
}

// update applies mutate to the snapshot while j is still the live job. When
// mutate reports a change, the new snapshot is delivered to notify and to
// OnChange, each skipped once j has been superseded. It returns false once j
// is no longer live.
func (c *Client) update(j *job, mutate func(*Snapshot) bool, notify func(Snapshot)) bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if c.job != j || j.closed {
		c.mu.Unlock()
		return false
	}
	if !mutate(&c.snap) {
		c.mu.Unlock()
		return true
	}
	live := true
	if c.snap.Phase.Terminal() {
		j.closed = true
		c.snap.IsRunning = false
		live = false
	}
	if !c.openedAt.IsZero() {
		c.snap.Elapsed = time.Since(c.openedAt)
	}
	snap := c.snap.clone()
	c.mu.Unlock()

	if notify != nil && c.deliverable(j) {
		notify(snap)
	}
	if c.hooks.OnChange != nil && c.deliverable(j) {
		c.hooks.OnChange(snap)
	}
	return live && c.deliverable(j)
}

// deliverable reports whether hooks may still fire for j. A hook run by j can
// call Start or Stop, so this is checked again before every hook.
func (c *Client) deliverable(j *job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job == j && !j.superseded
}

func asSubmissionError(err error) error {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se
	}
	return &SubmissionError{Err: err}
}
