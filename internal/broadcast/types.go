package broadcast

import (
	"context"
	"sync"
	"time"

	"heraldbot/internal/transport"
)

// RunState is the lifecycle state of a broadcast run.
//
//	draft -> enumerating -> dispatching -> completed
//	                     \> aborted (cancellation or setup failure)
//
// A run is immutable once completed or aborted.
type RunState string

const (
	StateDraft       RunState = "draft"
	StateEnumerating RunState = "enumerating"
	StateDispatching RunState = "dispatching"
	StateCompleted   RunState = "completed"
	StateAborted     RunState = "aborted"
)

func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

type Config struct {
	// Workers is the number of concurrent senders per active run.
	Workers int
	// MaxSendsPerWindow / RateWindow bound the global outbound rate.
	// Telegram allows roughly 30 messages per second for bulk sends;
	// the default stays below that.
	MaxSendsPerWindow int
	RateWindow        time.Duration
	// RetryMax is the maximum number of send attempts per recipient.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single send attempt.
	SendTimeout time.Duration
	// QueueSize bounds how many runs may wait for dispatch.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxSendsPerWindow <= 0 {
		c.MaxSendsPerWindow = 25
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

// Filter selects the recipients of a run. An empty Recipients slice means
// every eligible (non-blocked) recipient in the registry.
type Filter struct {
	Recipients []transport.RecipientID
}

// Registry is the engine's view of the recipient registry.
// heraldbot's store satisfies this, but the engine only depends on the
// capability set so tests can plug in fakes.
type Registry interface {
	ListEligible(ctx context.Context, ids []transport.RecipientID) ([]transport.RecipientID, error)
	MarkBlocked(ctx context.Context, id transport.RecipientID) error
}

// Status is a point-in-time snapshot of a run, safe to hand out.
// Invariant: Sent+Failed <= Total at all times; equality holds exactly in
// a terminal state.
type Status struct {
	ID          string    `json:"id"`
	State       RunState  `json:"state"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Total       int       `json:"total"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// RunEvent is published on the event bus for run lifecycle transitions.
type RunEvent struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	Total  int    `json:"total"`
	Reason string `json:"reason,omitempty"`
}

// DeliveryEvent is published when a recipient reaches PermanentFailure.
type DeliveryEvent struct {
	RunID     string `json:"run_id"`
	Recipient int64  `json:"recipient"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// task is the per-recipient unit of work within a run. It is owned by
// exactly one worker at a time; only the owning worker touches its fields.
type task struct {
	recipient   transport.RecipientID
	attempts    int
	unknownErrs int
	nextAt      time.Time
	lastErr     error
}

// result carries a terminal task outcome from a worker to the run's
// coordinating goroutine, which owns the counters and all store writes.
type result struct {
	task   *task
	sent   bool
	reason string
}

// runExec tracks one run through the dispatch pipeline.
type runExec struct {
	id     string
	msg    transport.Message
	filter Filter

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
}

func (j *runExec) requestCancel() {
	j.mu.Lock()
	j.cancelled = true
	c := j.cancel
	j.mu.Unlock()
	if c != nil {
		c()
	}
}

func (j *runExec) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *runExec) bindCancel(c context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return false
	}
	j.cancel = c
	return true
}

func (j *runExec) unbindCancel() {
	j.mu.Lock()
	j.cancel = nil
	j.mu.Unlock()
}
