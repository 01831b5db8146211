package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"heraldbot/internal/eventbus"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

var (
	ErrQueueFull    = errors.New("run queue full")
	ErrStopped      = errors.New("broadcaster stopped")
	ErrRunNotFound  = errors.New("run not found")
	ErrRunFinished  = errors.New("run already finished")
	ErrEmptyMessage = errors.New("message body is empty")
)

// Service is the broadcast delivery engine: it owns the run queue, the
// per-run worker pools, the shared send limiter, and all progress
// bookkeeping.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	sender   transport.Sender
	registry Registry
	store    store.Store
	bus      eventbus.Bus
	policy   RetryPolicy
	limiter  *rate.Limiter

	queue    chan *runExec
	stopCh   chan struct{}
	stopDone chan struct{} // non-nil while a Stop() is in progress
	runCtx   context.Context
	runstop  context.CancelFunc
	coordWG  sync.WaitGroup

	// runs tracks queued and active executions for cancellation.
	runs map[string]*runExec

	statusMu  sync.RWMutex
	status    map[string]*Status
	statusMax int
	statusTTL time.Duration
}

func New(cfg Config, sender transport.Sender, reg Registry, st store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		log:      log,
		sender:   sender,
		registry: reg,
		store:    st,
		bus:      bus,
		policy:   newRetryPolicy(cfg),
		limiter:  newSendLimiter(cfg),
		queue:    make(chan *runExec, cfg.QueueSize),
		runs:     map[string]*runExec{},
		status:   map[string]*Status{},
	}
}

// newSendLimiter builds the shared token bucket: one token every
// RateWindow/MaxSendsPerWindow, burst of one, so sends are spaced evenly
// instead of arriving in bursts the API would throttle.
func newSendLimiter(cfg Config) *rate.Limiter {
	return rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.MaxSendsPerWindow)), 1)
}

// Apply swaps tunable knobs at runtime. In-flight runs pick up the new
// limiter and retry schedule on their next attempt; worker count changes
// take effect for subsequently dispatched runs.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.policy = newRetryPolicy(cfg)
	s.limiter = newSendLimiter(cfg)
	s.mu.Unlock()
}

// Start launches the run coordinator and resumes any runs interrupted by
// the previous shutdown. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runstop = context.WithCancel(ctx)
	stopCh := s.stopCh
	runCtx := s.runCtx
	queue := s.queue
	s.mu.Unlock()

	if err := s.resumeUnfinished(ctx); err != nil {
		s.log.Warn("resume scan failed", logx.Err(err))
	}

	s.coordWG.Add(1)
	go func() {
		defer s.coordWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in run coordinator", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.coordinate(runCtx, stopCh, queue)
	}()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	s.log.Info("broadcaster started",
		logx.Int("workers", cfg.Workers),
		logx.Int("rate_per_window", cfg.MaxSendsPerWindow),
		logx.Duration("rate_window", cfg.RateWindow))
}

// Stop halts intake and interrupts the active run. An interrupted run
// stays in its dispatching state in the store and resumes on next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runstop
	s.runstop = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.coordWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("broadcaster stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// CreateRun registers a new broadcast run and queues it for dispatch.
// Setup failures (empty message, full queue) surface as a run already in
// the aborted state, so the trigger always gets a RunID it can poll.
func (s *Service) CreateRun(ctx context.Context, msg transport.Message, f Filter) (string, error) {
	now := time.Now()
	id := fmt.Sprintf("run:%d", now.UnixNano())
	s.pruneStatus(now)

	st := &Status{ID: id, State: StateDraft, CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	rec := store.Run{ID: id, State: string(StateDraft), Body: msg.Body, ImageRef: msg.ImageRef, Filter: f.Recipients, CreatedAt: now}
	if err := s.store.CreateRun(ctx, rec); err != nil {
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		return "", fmt.Errorf("persist run: %w", err)
	}

	if strings.TrimSpace(msg.Body) == "" {
		s.markAborted(id, "message body is empty")
		return id, ErrEmptyMessage
	}

	j := &runExec{id: id, msg: msg, filter: f}
	s.mu.Lock()
	queue := s.queue
	accepting := s.stopCh != nil
	if accepting {
		s.runs[id] = j
	}
	s.mu.Unlock()

	if !accepting {
		s.markAborted(id, "broadcaster not running")
		return id, ErrStopped
	}

	select {
	case queue <- j:
		s.publishRun(eventbus.TypeRunQueued, id)
		s.log.Debug("run queued", logx.String("run", id), logx.Int("queue_len", len(queue)), logx.Int("queue_cap", cap(queue)))
		return id, nil
	default:
		s.mu.Lock()
		delete(s.runs, id)
		s.mu.Unlock()
		s.markAborted(id, "run queue full")
		s.log.Warn("run queue full; aborting new run", logx.String("run", id))
		return id, ErrQueueFull
	}
}

// Status reports a snapshot of one run, falling back to the store for
// runs no longer tracked in memory.
func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	s.statusMu.RLock()
	st, ok := s.status[id]
	var cp Status
	if ok {
		cp = *st
	}
	s.statusMu.RUnlock()
	if ok {
		return cp, nil
	}

	r, err := s.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, ErrRunNotFound
	}
	if err != nil {
		return Status{}, err
	}
	return statusFromRun(r), nil
}

// List returns recent runs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Status, error) {
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, statusFromRun(r))
	}
	return out, nil
}

// Cancel aborts a run. A queued run aborts immediately; a dispatching run
// stops pulling new tasks, lets in-flight sends finish, and then
// transitions to aborted with its partial counters intact.
func (s *Service) Cancel(ctx context.Context, id string) error {
	st, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	if st.State.Terminal() {
		return ErrRunFinished
	}

	// Seed the in-memory snapshot for runs only the store knows about, so
	// the abort keeps their partial counters.
	s.statusMu.Lock()
	if _, ok := s.status[id]; !ok {
		s.status[id] = statusPtr(st)
	}
	s.statusMu.Unlock()

	s.mu.Lock()
	j := s.runs[id]
	s.mu.Unlock()

	if j == nil {
		// Known to the store but not in memory: a leftover from a previous
		// process. Mark it aborted directly so it is not resumed later.
		s.markAborted(id, "cancelled")
		return nil
	}

	j.requestCancel()
	if !s.isActive(id) {
		// Still queued: the coordinator will skip it, record the abort now.
		s.markAborted(id, "cancelled")
	}
	s.log.Info("run cancellation requested", logx.String("run", id))
	return nil
}

func (s *Service) isActive(id string) bool {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status[id]
	return st != nil && (st.State == StateEnumerating || st.State == StateDispatching)
}

// resumeUnfinished re-queues runs the previous process left unfinished.
func (s *Service) resumeUnfinished(ctx context.Context) error {
	runs, err := s.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		// The filter travels with the run row: a run that died before
		// dispatching re-enumerates against its original recipient set,
		// never the whole registry.
		j := &runExec{
			id:     r.ID,
			msg:    transport.Message{Body: r.Body, ImageRef: r.ImageRef},
			filter: Filter{Recipients: r.Filter},
		}
		s.statusMu.Lock()
		s.status[r.ID] = statusPtr(statusFromRun(r))
		s.statusMu.Unlock()

		s.mu.Lock()
		s.runs[r.ID] = j
		queue := s.queue
		s.mu.Unlock()

		select {
		case queue <- j:
			s.log.Info("unfinished run queued for resume",
				logx.String("run", r.ID), logx.String("state", r.State),
				logx.Int("sent", r.Sent), logx.Int("failed", r.Failed), logx.Int("total", r.Total))
		default:
			s.log.Warn("run queue full during resume; run left for next start", logx.String("run", r.ID))
			s.mu.Lock()
			delete(s.runs, r.ID)
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *Service) coordinate(ctx context.Context, stopCh <-chan struct{}, queue <-chan *runExec) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execute(ctx, j)
		}
	}
}

func statusFromRun(r store.Run) Status {
	return Status{
		ID:          r.ID,
		State:       RunState(r.State),
		Sent:        r.Sent,
		Failed:      r.Failed,
		Total:       r.Total,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func statusPtr(s Status) *Status { return &s }

func (s *Service) publishRun(typ, id string) {
	if s.bus == nil {
		return
	}
	s.statusMu.RLock()
	st := s.status[id]
	var ev RunEvent
	if st != nil {
		ev = RunEvent{ID: id, State: string(st.State), Sent: st.Sent, Failed: st.Failed, Total: st.Total, Reason: st.Reason}
	} else {
		ev = RunEvent{ID: id}
	}
	s.statusMu.RUnlock()
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
