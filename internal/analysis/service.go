// Package analysis runs stock analyses for a user. Recent results are served
// from history; otherwise a remote job is driven to completion and its result
// recorded.
package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/stockpilot/stockstream/internal/history"
	"github.com/stockpilot/stockstream/internal/logging"
	"github.com/stockpilot/stockstream/internal/progress"
)

// DefaultCacheMaxAge is how long a stored result is served instead of
// running a new job.
const DefaultCacheMaxAge = 24 * time.Hour

// ErrNoResult is returned when a job ends without a result or an error.
var ErrNoResult = errors.New("analysis ended without a result")

// Identity reports the current user. ok is false for anonymous callers.
type Identity func(ctx context.Context) (userID string, ok bool)

// StaticIdentity always reports userID. An empty id is anonymous.
func StaticIdentity(userID string) Identity {
	return func(context.Context) (string, bool) {
		return userID, userID != ""
	}
}

// RunOptions tunes a single Run.
type RunOptions struct {
	// Fresh skips the history lookup.
	Fresh bool
	// Options are passed to the progress client. Zero fields use defaults.
	Options progress.Options
}

// Observer receives live updates while a job runs. Nil fields are ignored.
type Observer struct {
	OnProgress func(progress.ProgressState)
	OnChange   func(progress.Snapshot)
}

// Outcome is the result of Run.
type Outcome struct {
	Record *history.Record
	// Cached is set when Record came from history without contacting the service.
	Cached bool
}

// Service coordinates history lookups and remote jobs.
type Service struct {
	transport   progress.Transport
	store       history.Store
	identity    Identity
	cacheMaxAge time.Duration
	now         func() time.Time
	log         *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIdentity sets how the current user is determined.
func WithIdentity(id Identity) Option {
	return func(s *Service) {
		s.identity = id
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithCacheMaxAge sets how old a stored result may be and still be served.
// Zero disables the lookup.
func WithCacheMaxAge(d time.Duration) Option {
	return func(s *Service) {
		s.cacheMaxAge = d
	}
}

// WithClock sets the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service. store may be nil, in which case nothing is
// looked up or recorded.
func NewService(t progress.Transport, store history.Store, opts ...Option) *Service {
	s := &Service{
		transport:   t,
		store:       store,
		cacheMaxAge: DefaultCacheMaxAge,
		now:         time.Now,
		log:         logging.With("component", "analysis"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run returns an analysis of key. Unless opts.Fresh is set, a result
// recorded for the same user within the cache max age is returned without
// contacting the service. Otherwise a job is run to completion and its
// result saved; a failed save is logged and does not fail the run.
//
// Job failures are returned as the progress package's typed errors. When
// ctx is cancelled the job is stopped and ctx.Err() is returned.
func (s *Service) Run(ctx context.Context, key progress.SubjectKey, opts RunOptions, obs Observer) (*Outcome, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	key = key.Normalize()
	owner := s.owner(ctx)
	log := s.log.With("symbol", key.String())

	if !opts.Fresh && s.store != nil {
		rec, err := s.store.FindRecent(ctx, owner, key, s.cacheMaxAge)
		switch {
		case err == nil:
			log.Info("serving recent analysis", "id", rec.ID, "age", s.now().Sub(rec.CreatedAt).Round(time.Second))
			return &Outcome{Record: rec, Cached: true}, nil
		case !errors.Is(err, history.ErrNotFound):
			log.Warn("history lookup failed", "error", err)
		}
	}

	client := progress.NewClient(s.transport,
		progress.WithLogger(s.log.With("component", "progress")),
		progress.WithHooks(progress.Hooks{
			OnProgress: obs.OnProgress,
			OnChange:   obs.OnChange,
		}),
	)
	if err := client.Start(ctx, key, opts.Options); err != nil {
		return nil, err
	}

	select {
	case <-client.Done():
	case <-ctx.Done():
		client.Stop()
		<-client.Done()
		return nil, ctx.Err()
	}

	snap := client.Snapshot()
	switch snap.Phase {
	case progress.PhaseComplete:
	case progress.PhaseErrored:
		return nil, snap.Err
	default:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoResult
	}

	rec := &history.Record{
		Owner:     owner,
		Symbol:    key.Symbol,
		Market:    key.Market,
		JobID:     snap.JobID,
		Result:    snap.Result,
		CreatedAt: s.now(),
	}
	if s.store != nil {
		if err := s.store.Save(ctx, rec); err != nil {
			log.Warn("failed to record analysis", "job_id", snap.JobID, "error", err)
		}
	}
	log.Debug("analysis complete", "job_id", snap.JobID, "elapsed", snap.Elapsed.Round(time.Millisecond))
	return &Outcome{Record: rec}, nil
}

// History lists the current user's recorded analyses, newest first.
func (s *Service) History(ctx context.Context, symbol string, limit int) ([]*history.Record, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.List(ctx, s.owner(ctx), symbol, limit)
}

func (s *Service) owner(ctx context.Context) string {
	if s.identity == nil {
		return ""
	}
	if id, ok := s.identity(ctx); ok {
		return id
	}
	return ""
}
