package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

var ErrNotFound = errors.New("not found")

// Config configures persistence.
//
// Driver values:
//   - "sqlite": SQLite database file (the default for deployments)
//   - "memory": process-local store, lost on restart (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run is the persisted state of one broadcast run.
// A run is immutable once State is "completed" or "aborted".
type Run struct {
	ID          string
	State       string
	Body        string
	ImageRef    string
	Filter      []transport.RecipientID // nil means "all eligible recipients"
	Total       int
	Sent        int
	Failed      int
	Reason      string
	CreatedAt   time.Time
	CompletedAt time.Time // zero until terminal
}

// Delivery is the per-recipient progress row of a run.
// Outcome stays empty until the recipient reaches a terminal state
// ("sent" or "failed"); resume uses the empty-outcome rows to rebuild
// the outstanding task set.
type Delivery struct {
	RunID     string
	Recipient transport.RecipientID
	Attempts  int
	LastError string
	Outcome   string
	UpdatedAt time.Time
}

// Recipient is one registry entry. Blocked recipients are excluded from
// enumeration and never enqueued again.
type Recipient struct {
	ID        transport.RecipientID
	Username  string
	Blocked   bool
	CreatedAt time.Time
}

// Store persists runs, per-recipient delivery progress, and the recipient
// registry. Implementations must serialize writes for a single
// (run, recipient) pair; the engine guarantees only one worker touches a
// given task at a time.
type Store interface {
	CreateRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	// ListUnfinishedRuns returns runs left in a non-terminal state,
	// oldest first. Used for resume after restart.
	ListUnfinishedRuns(ctx context.Context) ([]Run, error)
	// DeleteRunsBefore removes terminal runs completed before cutoff,
	// with their delivery rows. Returns the number of runs removed.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error)

	InsertPending(ctx context.Context, runID string, recipients []transport.RecipientID) error
	RecordOutcome(ctx context.Context, d Delivery) error
	GetDelivery(ctx context.Context, runID string, id transport.RecipientID) (Delivery, error)
	// ListOutstanding returns the recipients of a run that have no
	// recorded terminal outcome yet.
	ListOutstanding(ctx context.Context, runID string) ([]transport.RecipientID, error)
	// CountOutcomes tallies the recorded terminal outcomes of a run. The
	// delivery rows are the authority on progress: the run row's counters
	// can be one write behind them after a crash.
	CountOutcomes(ctx context.Context, runID string) (sent, failed int, err error)

	UpsertRecipient(ctx context.Context, r Recipient) error
	// ListEligible enumerates non-blocked recipients. A non-empty ids
	// slice restricts enumeration to that subset.
	ListEligible(ctx context.Context, ids []transport.RecipientID) ([]transport.RecipientID, error)
	MarkBlocked(ctx context.Context, id transport.RecipientID) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
