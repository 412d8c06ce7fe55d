package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpilot/stockstream/internal/logging"
	"github.com/stockpilot/stockstream/internal/testutil"
)

func TestClientIdleByDefault(t *testing.T) {
	t.Parallel()

	c := NewClient(newFakeTransport())
	snap := c.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.False(t, snap.IsRunning)
	assert.False(t, snap.HasError)
	assert.Nil(t, snap.Progress)
	testutil.AssertClosed(t, c.Done())

	// Stop without a job is a no-op
	c.Stop()
	c.Stop()
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
}

func TestClientProgressThenComplete(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	s := tr.nextStream(t)
	assert.Equal(t, testutil.SampleJobID, s.jobID)

	s.send(`{"stage": "collect_news", "progress": 40, "message": "Collecting news"}`)
	rec.progress.WaitLen(t, 1)

	snap := c.Snapshot()
	assert.Equal(t, PhaseStreaming, snap.Phase)
	assert.True(t, snap.IsRunning)
	assert.Equal(t, testutil.SampleJobID, snap.JobID)
	assert.Equal(t, sampleKey, snap.Subject)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, 40, snap.Progress.Percent)

	s.send(testutil.SampleCompleteJSON)
	testutil.AssertClosed(t, c.Done())

	results := rec.results.All()
	require.Len(t, results, 1)
	assert.JSONEq(t, `{"overallScore": 82, "recommendation": "buy"}`, results[0])
	assert.Zero(t, rec.errors.Len())

	updates := rec.progress.All()
	require.Len(t, updates, 1)
	assert.Equal(t, "collect_news", updates[0].Stage)
	assert.Equal(t, 40, updates[0].Percent)
	assert.Equal(t, "Collecting news", updates[0].Message)

	snap = c.Snapshot()
	assert.Equal(t, PhaseComplete, snap.Phase)
	assert.False(t, snap.IsRunning)
	assert.False(t, snap.HasError)
	assert.JSONEq(t, results[0], string(snap.Result))

	changes := rec.changes.All()
	require.NotEmpty(t, changes)
	assert.Equal(t, PhaseSubmitting, changes[0].Phase)
	assert.Equal(t, PhaseComplete, changes[len(changes)-1].Phase)
	assert.Equal(t, 1, rec.changes.Count(func(s Snapshot) bool { return s.Phase == PhaseComplete }))

	// The stream is released and later frames are ignored
	require.Eventually(t, s.isClosed, testutil.DefaultWaitTimeout, testutil.DefaultPollInterval)
	s.send(`{"stage": "synthesize", "progress": 95}`)
	testutil.AssertStable(t, 1, rec.terminals, 50*time.Millisecond)
	assert.Equal(t, 1, rec.progress.Len())
}

func TestClientSubmissionFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "service rejection",
			err:  &SubmissionError{Message: "quota exceeded"},
			want: "failed to start analysis: quota exceeded",
		},
		{
			name: "http status",
			err:  &SubmissionError{StatusCode: 500, Message: "Internal Server Error"},
			want: "failed to start analysis (status 500): Internal Server Error",
		},
		{
			name: "plain transport error",
			err:  errors.New("connection refused"),
			want: "network error: failed to start analysis: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newFakeTransport()
			tr.submit = func(context.Context, SubjectKey) (string, error) { return "", tt.err }
			rec := &recorder{}
			c := newTestClient(t, tr, rec)

			require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
			testutil.AssertClosed(t, c.Done())

			assert.Equal(t, []string{tt.want}, rec.errors.All())
			assert.Zero(t, rec.results.Len())
			assert.Zero(t, tr.openCount())

			snap := c.Snapshot()
			assert.Equal(t, PhaseErrored, snap.Phase)
			assert.True(t, snap.HasError)
			assert.False(t, snap.IsRunning)
			assert.Equal(t, tt.want, snap.Error)

			var se *SubmissionError
			assert.True(t, errors.As(snap.Err, &se))
		})
	}
}

func TestClientServerReportedError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"stage error", testutil.SampleStageErrorJSON, testutil.SampleAIError},
		{"error field", testutil.SampleErrorFieldJSON, testutil.SampleAIError},
		{"stage error without message", `{"stage": "error"}`, "analysis failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newFakeTransport()
			rec := &recorder{}
			c := newTestClient(t, tr, rec)

			require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
			s := tr.nextStream(t)
			s.send(testutil.SampleProgressJSON)
			s.send(tt.payload)
			s.send(testutil.SampleCompleteJSON)

			testutil.AssertClosed(t, c.Done())
			assert.Equal(t, []string{tt.want}, rec.errors.All())
			assert.Zero(t, rec.results.Len())
			assert.Equal(t, 1, rec.progress.Len())
			// Server errors are never retried
			assert.Equal(t, 1, tr.openCount())

			var ae *AnalysisError
			assert.True(t, errors.As(c.Snapshot().Err, &ae))
		})
	}
}

func TestClientErrorBeforeAnyProgress(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	tr.nextStream(t).send(testutil.SampleStageErrorJSON)

	testutil.AssertClosed(t, c.Done())
	assert.Equal(t, []string{testutil.SampleAIError}, rec.errors.All())
	assert.Zero(t, rec.progress.Len())
}

func TestClientReconnectsAfterClose(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))

	// The first connection closes before delivering anything.
	tr.nextStream(t).end(nil)

	s2 := tr.nextStream(t)
	assert.Equal(t, testutil.SampleJobID, s2.jobID)
	s2.send(testutil.SampleStageErrorJSON)

	testutil.AssertClosed(t, c.Done())
	assert.Equal(t, []string{testutil.SampleAIError}, rec.errors.All())
	assert.Equal(t, 2, tr.openCount())
	assert.Len(t, tr.submitted(), 1, "reconnecting must not resubmit")

	reconnecting := rec.changes.WaitFor(t, func(s Snapshot) bool { return s.Phase == PhaseReconnecting })
	assert.Equal(t, 1, reconnecting.Attempt)
	assert.True(t, reconnecting.IsRunning)
}

func TestClientReconnectBound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		max       int
		wantOpens int
	}{
		{"default bound", 3, 4},
		{"single retry", 1, 2},
		{"no retries", -1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dialErr := errors.New("dial tcp: connection refused")
			tr := newFakeTransport()
			tr.openErr = dialErr
			rec := &recorder{}
			c := newTestClient(t, tr, rec)

			opts := fastOptions()
			opts.MaxReconnectAttempts = tt.max
			require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, opts))

			testutil.AssertClosed(t, c.Done())
			assert.Equal(t, tt.wantOpens, tr.openCount())

			errs := rec.errors.All()
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], "network error: connection failed repeatedly")

			var se *StreamError
			require.True(t, errors.As(c.Snapshot().Err, &se))
			assert.Equal(t, tt.wantOpens, se.Attempts)
			assert.ErrorIs(t, c.Snapshot().Err, dialErr)

			// Nothing more happens once the bound is reached.
			testutil.AssertStable(t, tt.wantOpens, tr.openCount, 30*time.Millisecond)
			assert.Equal(t, 1, rec.errors.Len())

			attempts := rec.changes.Count(func(s Snapshot) bool { return s.Phase == PhaseReconnecting })
			assert.Equal(t, tt.wantOpens-1, attempts)
		})
	}
}

func TestClientSuccessfulOpenResetsFailures(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	opts := fastOptions()
	opts.MaxReconnectAttempts = 1
	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, opts))

	// Each connection opens before it drops, so the budget is never exhausted.
	for i := 0; i < 3; i++ {
		tr.nextStream(t).end(errors.New("connection reset by peer"))
	}
	tr.nextStream(t).send(testutil.SampleCompleteJSON)

	testutil.AssertClosed(t, c.Done())
	assert.Equal(t, 1, rec.results.Len())
	assert.Zero(t, rec.errors.Len())
	assert.Equal(t, 4, tr.openCount())
}

func TestClientStop(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	s := tr.nextStream(t)
	s.send(testutil.SampleProgressJSON)
	rec.progress.WaitLen(t, 1)

	c.Stop()
	testutil.AssertClosed(t, c.Done())
	require.Eventually(t, s.isClosed, testutil.DefaultWaitTimeout, testutil.DefaultPollInterval)

	snap := c.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.False(t, snap.IsRunning)
	assert.False(t, snap.HasError)

	changes := rec.changes.Len()
	s.send(testutil.SampleCompleteJSON)
	c.Stop()
	c.Stop()

	testutil.AssertStable(t, changes, rec.changes.Len, 50*time.Millisecond)
	assert.Zero(t, rec.terminals())
}

func TestClientStopDuringSubmit(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	submitCtxErr := make(chan error, 1)
	tr := newFakeTransport()
	tr.submit = func(ctx context.Context, _ SubjectKey) (string, error) {
		close(started)
		<-ctx.Done()
		submitCtxErr <- ctx.Err()
		return "", ctx.Err()
	}
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	<-started
	c.Stop()

	testutil.AssertClosed(t, c.Done())
	assert.ErrorIs(t, <-submitCtxErr, context.Canceled)
	assert.Zero(t, rec.terminals())
	assert.Zero(t, tr.openCount())
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
}

func TestClientStopAfterCompleteKeepsResult(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	tr.nextStream(t).send(testutil.SampleCompleteJSON)
	testutil.AssertClosed(t, c.Done())

	c.Stop()
	snap := c.Snapshot()
	assert.Equal(t, PhaseComplete, snap.Phase)
	assert.NotEmpty(t, snap.Result)
}

func TestClientParentContextCancel(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx, sampleKey, fastOptions()))
	s := tr.nextStream(t)

	cancel()
	testutil.AssertClosed(t, c.Done())
	require.Eventually(t, s.isClosed, testutil.DefaultWaitTimeout, testutil.DefaultPollInterval)

	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.False(t, c.Snapshot().IsRunning)
	assert.Zero(t, rec.terminals())
}

func TestClientRestartSupersedesJob(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)
	ctx := testutil.JobContext(t)

	require.NoError(t, c.Start(ctx, sampleKey, fastOptions()))
	s1 := tr.nextStream(t)
	firstDone := c.Done()

	second := SubjectKey{Symbol: "600519"}
	require.NoError(t, c.Start(ctx, second, fastOptions()))
	testutil.AssertClosed(t, firstDone)
	require.Eventually(t, s1.isClosed, testutil.DefaultWaitTimeout, testutil.DefaultPollInterval)

	s2 := tr.nextStream(t)
	assert.Equal(t, "J2", s2.jobID)

	// Traffic on the old stream never reaches the new job.
	s1.send(testutil.SampleStageErrorJSON)
	s2.send(testutil.SampleProgressJSON)
	s2.send(testutil.SampleCompleteJSON)

	testutil.AssertClosed(t, c.Done())
	assert.Equal(t, 1, rec.results.Len())
	assert.Zero(t, rec.errors.Len())

	snap := c.Snapshot()
	assert.Equal(t, SubjectKey{Symbol: "600519", Market: "A"}, snap.Subject)
	assert.Equal(t, "J2", snap.JobID)
	assert.Equal(t, []SubjectKey{sampleKey, {Symbol: "600519", Market: "A"}}, tr.submitted())
}

func TestClientHooksMayRestart(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	ctx := testutil.JobContext(t)
	next := SubjectKey{Symbol: "AAPL", Market: "US"}

	var c *Client
	var once sync.Once
	hooks := rec.hooks()
	hooks.OnComplete = func(result json.RawMessage) {
		rec.results.Add(string(result))
		once.Do(func() {
			assert.NoError(t, c.Start(ctx, next, fastOptions()))
		})
	}
	c = NewClient(tr, WithHooks(hooks), WithLogger(logging.Discard()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Start(ctx, sampleKey, fastOptions()))
	tr.nextStream(t).send(testutil.SampleCompleteJSON)

	s2 := tr.nextStream(t)
	assert.Equal(t, "J2", s2.jobID)
	s2.send(testutil.SampleCompleteJSON)

	rec.results.WaitLen(t, 2)
	testutil.AssertClosed(t, c.Done())
	assert.Equal(t, next, c.Snapshot().Subject)
	assert.Equal(t, PhaseComplete, c.Snapshot().Phase)
}

func TestClientSupersededJobDeliversNothing(t *testing.T) {
	t.Parallel()

	next := SubjectKey{Symbol: "600519", Market: "A"}

	tests := []struct {
		name string
		// takeOver runs once J1's first OnProgress is underway, either inside
		// the hook or from the test goroutine while the hook is blocked.
		takeOver func(t *testing.T, c *Client, ctx context.Context)
		fromHook bool
		restarts bool
	}{
		{
			name:     "restart from the progress hook",
			fromHook: true,
			restarts: true,
			takeOver: func(t *testing.T, c *Client, ctx context.Context) {
				assert.NoError(t, c.Start(ctx, next, fastOptions()))
			},
		},
		{
			name:     "restart while the progress hook runs",
			restarts: true,
			takeOver: func(t *testing.T, c *Client, ctx context.Context) {
				require.NoError(t, c.Start(ctx, next, fastOptions()))
			},
		},
		{
			name: "stop while the progress hook runs",
			takeOver: func(t *testing.T, c *Client, _ context.Context) {
				c.Stop()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := newFakeTransport()
			rec := &recorder{}
			ctx := testutil.JobContext(t)

			var (
				c         *Client
				once      sync.Once
				takenOver atomic.Bool
				late      atomic.Int32
				entered   = make(chan struct{})
				resume    = make(chan struct{})
			)
			hooks := rec.hooks()
			hooks.OnProgress = func(st ProgressState) {
				rec.progress.Add(st)
				once.Do(func() {
					if tt.fromHook {
						tt.takeOver(t, c, ctx)
						takenOver.Store(true)
						return
					}
					close(entered)
					<-resume
				})
			}
			hooks.OnChange = func(s Snapshot) {
				if takenOver.Load() && s.JobID == "J1" {
					late.Add(1)
				}
				rec.changes.Add(s)
			}
			c = NewClient(tr, WithHooks(hooks), WithLogger(logging.Discard()))
			t.Cleanup(c.Stop)

			require.NoError(t, c.Start(ctx, sampleKey, fastOptions()))
			s1 := tr.nextStream(t)
			s1.send(testutil.SampleProgressJSON)

			if !tt.fromHook {
				<-entered
				tt.takeOver(t, c, ctx)
				takenOver.Store(true)
				close(resume)
			}

			if tt.restarts {
				s2 := tr.nextStream(t)
				assert.Equal(t, "J2", s2.jobID)
				s2.send(testutil.SampleCompleteJSON)
				rec.results.WaitLen(t, 1)
			}
			testutil.AssertClosed(t, c.Done())

			assert.True(t, s1.isClosed())
			assert.Zero(t, late.Load(), "J1 snapshots delivered after it was taken over")
			assert.Zero(t, rec.errors.Len())
		})
	}
}

func TestClientRestartReleasesPreviousStreamBeforeSubmitting(t *testing.T) {
	t.Parallel()

	next := SubjectKey{Symbol: "AAPL", Market: "US"}
	var first *fakeStream
	closedAtSubmit := make(chan bool, 1)

	tr := newFakeTransport()
	tr.submit = func(_ context.Context, key SubjectKey) (string, error) {
		if key == next {
			closedAtSubmit <- first.isClosed()
			return "J2", nil
		}
		return "J1", nil
	}
	c := newTestClient(t, tr, &recorder{})
	ctx := testutil.JobContext(t)

	require.NoError(t, c.Start(ctx, sampleKey, fastOptions()))
	first = tr.nextStream(t)
	first.send(testutil.SampleProgressJSON)

	require.NoError(t, c.Start(ctx, next, fastOptions()))
	select {
	case closed := <-closedAtSubmit:
		assert.True(t, closed, "previous stream still open when the next job was submitted")
	case <-time.After(testutil.DefaultWaitTimeout):
		t.Fatal("next job was never submitted")
	}
	assert.Equal(t, "J2", tr.nextStream(t).jobID)
}

func TestClientStopClosesStreamBeforeDone(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	c := newTestClient(t, tr, &recorder{})

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	s := tr.nextStream(t)
	testutil.AssertNotClosed(t, c.Done(), 20*time.Millisecond)

	c.Stop()
	testutil.AssertClosed(t, c.Done())
	assert.True(t, s.isClosed())
}

func TestClientHooksMayStop(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.submit = func(context.Context, SubjectKey) (string, error) {
		return "", &SubmissionError{Message: "quota exceeded"}
	}

	var c *Client
	var calls atomic.Int32
	c = NewClient(tr, WithLogger(logging.Discard()), WithHooks(Hooks{
		OnError: func(string) {
			calls.Add(1)
			c.Stop()
		},
	}))

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	testutil.AssertClosed(t, c.Done())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, PhaseErrored, c.Snapshot().Phase)
}

func TestClientHooksAreSerialized(t *testing.T) {
	t.Parallel()

	var inFlight, overlaps atomic.Int32
	guard := func() {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(100 * time.Microsecond)
		inFlight.Add(-1)
	}

	tr := newFakeTransport()
	c := NewClient(tr, WithLogger(logging.Discard()), WithHooks(Hooks{
		OnProgress: func(ProgressState) { guard() },
		OnChange:   func(Snapshot) { guard() },
	}))
	t.Cleanup(c.Stop)

	ctx := testutil.JobContext(t)
	require.NoError(t, c.Start(ctx, sampleKey, fastOptions()))
	s := tr.nextStream(t)
	for i := 0; i < 20; i++ {
		s.send(testutil.SampleProgressJSON)
	}
	// A restart in the middle of delivery must not overlap either.
	require.NoError(t, c.Start(ctx, sampleKey, fastOptions()))
	s2 := tr.nextStream(t)
	for i := 0; i < 20; i++ {
		s2.send(testutil.SampleProgressJSON)
	}
	s2.send(testutil.SampleCompleteJSON)

	testutil.AssertClosed(t, c.Done())
	assert.Zero(t, overlaps.Load())
}

func TestClientWaitingForServer(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	opts := fastOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	opts.WaitingThreshold = 40 * time.Millisecond
	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, opts))

	s := tr.nextStream(t)
	s.send(testutil.SampleProgressJSON)

	waiting := func(p ProgressState) bool { return p.WaitingForServer }
	w := rec.progress.WaitFor(t, waiting)
	assert.Equal(t, "collect_news", w.Stage)
	assert.Equal(t, 40, w.Percent)
	assert.Equal(t, PhaseWaiting, c.Snapshot().Phase)
	assert.True(t, c.Snapshot().IsRunning)

	// The flag is raised once per silent period.
	testutil.AssertStable(t, 1, func() int { return rec.progress.Count(waiting) }, 100*time.Millisecond)

	before := rec.progress.Len()
	s.heartbeat()
	updates := rec.progress.WaitLen(t, before+1)
	cleared := updates[before]
	assert.False(t, cleared.WaitingForServer)
	assert.Equal(t, 40, cleared.Percent)

	assert.Zero(t, rec.terminals())
	assert.Equal(t, 1, tr.openCount(), "a silent stream is not reconnected")
}

func TestClientWaitingBeforeAnyProgress(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	opts := fastOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	opts.WaitingThreshold = 20 * time.Millisecond
	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, opts))
	s := tr.nextStream(t)

	w := rec.progress.WaitFor(t, func(p ProgressState) bool { return p.WaitingForServer })
	assert.Equal(t, StageWaiting, w.Stage)
	assert.Zero(t, w.Percent)

	s.send(testutil.SampleProgressJSON)
	p := rec.progress.WaitFor(t, func(p ProgressState) bool { return p.Stage == "collect_news" })
	assert.False(t, p.WaitingForServer)
}

func TestClientWaitingWhileConnecting(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.hangOpen = true
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	opts := fastOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	opts.WaitingThreshold = 20 * time.Millisecond
	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, opts))

	w := rec.progress.WaitFor(t, func(p ProgressState) bool { return p.WaitingForServer })
	assert.Equal(t, StageWaiting, w.Stage)
	assert.Equal(t, PhaseWaiting, c.Snapshot().Phase)
	assert.Equal(t, 1, tr.openCount())

	c.Stop()
	testutil.AssertClosed(t, c.Done())
}

func TestClientDropsMalformedMessages(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	s := tr.nextStream(t)
	s.send(`{not json`)
	s.send(`[1, 2, 3]`)
	s.send(``)
	s.send(testutil.SampleNaNProgressJSON)
	s.send(testutil.SampleCompleteJSON)

	testutil.AssertClosed(t, c.Done())
	assert.Equal(t, 1, rec.results.Len())
	assert.Zero(t, rec.errors.Len())

	updates := rec.progress.All()
	require.Len(t, updates, 1)
	assert.Equal(t, "calculate_technical", updates[0].Stage)
	assert.Contains(t, updates[0].Details, "rsi")
	assert.Nil(t, updates[0].Details["rsi"])
	assert.Equal(t, "NaN in a string", updates[0].Details["note"])
}

func TestClientStartValidatesSubject(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	err := c.Start(context.Background(), SubjectKey{Symbol: "   ", Market: "A"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidSubject)
	assert.Empty(t, tr.submitted())
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.Zero(t, rec.changes.Len())
}

func TestClientNormalizesSubject(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), SubjectKey{Symbol: " 000001 "}, fastOptions()))
	tr.nextStream(t)

	assert.Equal(t, []SubjectKey{sampleKey}, tr.submitted())
	assert.Equal(t, sampleKey, c.Snapshot().Subject)
}

func TestClientElapsed(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	rec := &recorder{}
	c := newTestClient(t, tr, rec)

	require.NoError(t, c.Start(testutil.JobContext(t), sampleKey, fastOptions()))
	s := tr.nextStream(t)

	require.Eventually(t, func() bool { return c.Snapshot().Elapsed > 0 },
		testutil.DefaultWaitTimeout, testutil.DefaultPollInterval)

	// The server-reported elapsed time wins once it is known.
	s.send(testutil.SampleProgressJSON)
	rec.progress.WaitLen(t, 1)
	assert.Equal(t, 12.5, c.Snapshot().ElapsedSeconds())
}
