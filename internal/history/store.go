// Package history keeps completed analyses so recent results can be served
// without running the remote job again.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stockpilot/stockstream/internal/progress"
)

// ErrNotFound is returned when no matching record exists.
var ErrNotFound = errors.New("analysis record not found")

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 20

// Record is one completed analysis. Owner is empty for anonymous users.
type Record struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner,omitempty"`
	Symbol    string          `json:"symbol"`
	Market    string          `json:"market"`
	JobID     string          `json:"job_id,omitempty"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Subject returns the key the record was produced for.
func (r *Record) Subject() progress.SubjectKey {
	return progress.SubjectKey{Symbol: r.Symbol, Market: r.Market}
}

// Store persists analysis records.
type Store interface {
	// FindRecent returns the newest record for owner and key created within
	// maxAge, or ErrNotFound.
	FindRecent(ctx context.Context, owner string, key progress.SubjectKey, maxAge time.Duration) (*Record, error)
	// Save stores rec, assigning ID and CreatedAt when they are zero.
	Save(ctx context.Context, rec *Record) error
	// List returns owner's records newest first, optionally for one symbol.
	List(ctx context.Context, owner, symbol string, limit int) ([]*Record, error)
}
