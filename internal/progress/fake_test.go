package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stockpilot/stockstream/internal/logging"
	"github.com/stockpilot/stockstream/internal/testutil"
)

var errStreamClosed = errors.New("stream closed")

type streamItem struct {
	frame Frame
	err   error
}

// fakeStream is a Stream fed by the test.
type fakeStream struct {
	jobID  string
	items  chan streamItem
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(jobID string) *fakeStream {
	return &fakeStream{
		jobID:  jobID,
		items:  make(chan streamItem, 32),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next() (Frame, error) {
	select {
	case it := <-s.items:
		return it.frame, it.err
	case <-s.closed:
		return Frame{}, errStreamClosed
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) send(payload string) {
	s.items <- streamItem{frame: Frame{Data: []byte(payload)}}
}

func (s *fakeStream) heartbeat() {
	s.items <- streamItem{frame: Frame{Heartbeat: true}}
}

// end makes the stream fail with err, or io.EOF when err is nil.
func (s *fakeStream) end(err error) {
	if err == nil {
		err = io.EOF
	}
	s.items <- streamItem{err: err}
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeTransport hands out job ids J1, J2... and a fakeStream per Open.
type fakeTransport struct {
	submit  func(ctx context.Context, key SubjectKey) (string, error)
	openErr error
	// hangOpen makes Open block until its context is cancelled, like a
	// server that never sends response headers.
	hangOpen bool
	streams  chan *fakeStream

	mu    sync.Mutex
	keys  []SubjectKey
	opens []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: make(chan *fakeStream, 32)}
}

func (f *fakeTransport) Submit(ctx context.Context, key SubjectKey) (string, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	n := len(f.keys)
	f.mu.Unlock()

	if f.submit != nil {
		return f.submit(ctx, key)
	}
	return fmt.Sprintf("J%d", n), nil
}

func (f *fakeTransport) Open(ctx context.Context, jobID string) (Stream, error) {
	f.mu.Lock()
	f.opens = append(f.opens, jobID)
	f.mu.Unlock()

	if f.hangOpen {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := newFakeStream(jobID)
	f.streams <- s
	return s, nil
}

func (f *fakeTransport) submitted() []SubjectKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubjectKey(nil), f.keys...)
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func (f *fakeTransport) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(testutil.DefaultWaitTimeout):
		t.Fatal("no stream was opened")
		return nil
	}
}

// recorder captures every hook invocation.
type recorder struct {
	progress testutil.Recorder[ProgressState]
	results  testutil.Recorder[string]
	errors   testutil.Recorder[string]
	changes  testutil.Recorder[Snapshot]
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnProgress: r.progress.Add,
		OnComplete: func(result json.RawMessage) { r.results.Add(string(result)) },
		OnError:    r.errors.Add,
		OnChange:   r.changes.Add,
	}
}

func (r *recorder) terminals() int {
	return r.results.Len() + r.errors.Len()
}

// fastOptions keeps timers short. The heartbeat is slow so staleness never
// interferes unless a test asks for it.
func fastOptions() Options {
	return Options{
		HeartbeatInterval:    time.Hour,
		WaitingThreshold:     time.Hour,
		MaxReconnectAttempts: 3,
		InitialBackoff:       time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, tr Transport, rec *recorder) *Client {
	t.Helper()
	c := NewClient(tr, WithHooks(rec.hooks()), WithLogger(logging.Discard()))
	t.Cleanup(c.Stop)
	return c
}

var sampleKey = SubjectKey{Symbol: testutil.SampleSymbol, Market: testutil.SampleMarket}
