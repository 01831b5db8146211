package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"heraldbot/internal/eventbus"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

// execute drives one run through enumeration and dispatch. It is called
// only from the coordinator goroutine, which therefore owns every state
// transition and counter update of the run.
func (s *Service) execute(ctx context.Context, j *runExec) {
	defer func() {
		s.mu.Lock()
		delete(s.runs, j.id)
		s.mu.Unlock()
	}()

	if j.isCancelled() {
		// Cancelled while still queued; Cancel() recorded the abort.
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !j.bindCancel(cancel) {
		return
	}
	defer j.unbindCancel()

	rec, err := s.store.GetRun(detached(), j.id)
	if err != nil {
		s.log.Error("run record unreadable", logx.String("run", j.id), logx.Err(err))
		return
	}
	if RunState(rec.State).Terminal() {
		return
	}

	start := time.Now()
	var pending []transport.RecipientID
	resume := RunState(rec.State) == StateDispatching

	if resume {
		// Restart recovery: only recipients with no recorded terminal
		// outcome go back on the queue. Already-terminal recipients are
		// never re-sent.
		pending, err = s.store.ListOutstanding(detached(), j.id)
		if err != nil {
			s.markAborted(j.id, "outstanding scan failed: "+err.Error())
			return
		}
		// The run row can be one write behind the delivery rows if the
		// previous process died between RecordOutcome and the checkpoint.
		// Recount from the delivery rows so no recorded outcome is lost.
		sent, failed, cerr := s.store.CountOutcomes(detached(), j.id)
		if cerr != nil {
			s.markAborted(j.id, "outcome recount failed: "+cerr.Error())
			return
		}
		s.checkpoint(s.updateStatus(j.id, func(st *Status) {
			st.Sent = sent
			st.Failed = failed
		}))
		s.publishRun(eventbus.TypeRunResumed, j.id)
		s.log.Info("run resumed", logx.String("run", j.id),
			logx.Int("outstanding", len(pending)), logx.Int("total", rec.Total))
	} else {
		s.checkpoint(s.updateStatus(j.id, func(st *Status) { st.State = StateEnumerating }))

		ids, lerr := s.registry.ListEligible(runCtx, j.filter.Recipients)
		if lerr != nil {
			s.markAborted(j.id, "recipient enumeration failed: "+lerr.Error())
			return
		}
		if perr := s.store.InsertPending(detached(), j.id, ids); perr != nil {
			s.markAborted(j.id, "persist pending deliveries: "+perr.Error())
			return
		}
		// Total is fixed here and never changes for the rest of the run.
		s.checkpoint(s.updateStatus(j.id, func(st *Status) {
			st.Total = len(ids)
			st.State = StateDispatching
		}))
		pending = ids
		s.publishRun(eventbus.TypeRunStarted, j.id)
		s.log.Info("run started", logx.String("run", j.id), logx.Int("total", len(ids)))
	}

	interrupted := s.dispatch(runCtx, j, pending)

	switch {
	case j.isCancelled():
		s.markAborted(j.id, "cancelled")
	case interrupted:
		// Service shutdown, not an operator cancel: leave the run in
		// dispatching state so the next Start resumes it.
		s.log.Info("run interrupted by shutdown; will resume on next start", logx.String("run", j.id))
	default:
		snap := s.updateStatus(j.id, func(st *Status) {
			st.State = StateCompleted
			st.CompletedAt = time.Now()
		})
		s.checkpoint(snap)
		s.publishRun(eventbus.TypeRunCompleted, j.id)
		fields := []logx.Field{
			logx.String("run", j.id),
			logx.Int("sent", snap.Sent),
			logx.Int("failed", snap.Failed),
			logx.Int("total", snap.Total),
			logx.Duration("dur", time.Since(start)),
		}
		if snap.Failed > 0 {
			s.log.Warn("run completed with failures", fields...)
		} else {
			s.log.Info("run completed", fields...)
		}
	}
}

// dispatch fans the pending tasks out over the worker pool and folds
// terminal outcomes back into the run. It returns true when the context
// was cancelled before every task reached a terminal outcome.
func (s *Service) dispatch(ctx context.Context, j *runExec, pending []transport.RecipientID) bool {
	if len(pending) == 0 {
		return false
	}

	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()
	if workers > len(pending) {
		workers = len(pending)
	}

	// Both channels are sized to the full task set: re-enqueues always
	// have room and workers never block reporting a result.
	queue := make(chan *task, len(pending))
	results := make(chan result, len(pending))
	for _, id := range pending {
		queue <- &task{recipient: id}
	}

	wctx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in delivery worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(wctx, j, queue, results)
		}()
	}

	outstanding := len(pending)
loop:
	for outstanding > 0 {
		select {
		case <-ctx.Done():
			break loop
		case res := <-results:
			s.applyOutcome(j, res)
			outstanding--
		}
	}

	stopWorkers()
	wg.Wait()

	// In-flight sends may have finished while we were cancelling; fold
	// them in so the partial counters stay accurate.
	for {
		select {
		case res := <-results:
			s.applyOutcome(j, res)
		default:
			return ctx.Err() != nil
		}
	}
}

// applyOutcome records one terminal outcome: counters, the per-recipient
// delivery row, and the run checkpoint. Runs on the coordinator goroutine
// only, which keeps all store writes for a run linearized.
func (s *Service) applyOutcome(j *runExec, res result) {
	outcome := "failed"
	lastErr := res.reason
	if res.sent {
		outcome = "sent"
		lastErr = ""
	} else if lastErr == "" && res.task.lastErr != nil {
		lastErr = res.task.lastErr.Error()
	}

	snap := s.updateStatus(j.id, func(st *Status) {
		if res.sent {
			st.Sent++
		} else {
			st.Failed++
		}
	})

	cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.RecordOutcome(cctx, store.Delivery{
		RunID:     j.id,
		Recipient: res.task.recipient,
		Attempts:  res.task.attempts,
		LastError: lastErr,
		Outcome:   outcome,
	}); err != nil {
		s.log.Warn("record outcome failed", logx.String("run", j.id),
			logx.Int64("recipient", int64(res.task.recipient)), logx.Err(err))
	}
	s.checkpoint(snap)

	if !res.sent {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: DeliveryEvent{
				RunID:     j.id,
				Recipient: int64(res.task.recipient),
				Attempts:  res.task.attempts,
				Error:     lastErr,
			}})
		}
		s.log.Warn("delivery failed", logx.String("run", j.id),
			logx.Int64("recipient", int64(res.task.recipient)),
			logx.Int("attempts", res.task.attempts), logx.String("reason", lastErr))
	}
}

// updateStatus mutates a run's in-memory snapshot under the status lock
// and returns a copy for persistence.
func (s *Service) updateStatus(id string, fn func(*Status)) Status {
	s.statusMu.Lock()
	st := s.status[id]
	if st == nil {
		st = &Status{ID: id, CreatedAt: time.Now()}
		s.status[id] = st
	}
	fn(st)
	cp := *st
	s.statusMu.Unlock()
	return cp
}

// checkpoint persists a status snapshot. It uses a detached context so
// progress written during shutdown or cancellation is never lost.
func (s *Service) checkpoint(snap Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.store.UpdateRun(ctx, store.Run{
		ID:          snap.ID,
		State:       string(snap.State),
		Total:       snap.Total,
		Sent:        snap.Sent,
		Failed:      snap.Failed,
		Reason:      snap.Reason,
		CompletedAt: snap.CompletedAt,
	})
	if err != nil {
		s.log.Warn("run checkpoint failed", logx.String("run", snap.ID), logx.Err(err))
	}
}

// markAborted transitions a run to aborted, keeping whatever counters it
// accumulated for audit.
func (s *Service) markAborted(id, reason string) {
	snap := s.updateStatus(id, func(st *Status) {
		st.State = StateAborted
		st.Reason = reason
		st.CompletedAt = time.Now()
	})
	s.checkpoint(snap)
	s.publishRun(eventbus.TypeRunAborted, id)
	s.log.Warn("run aborted", logx.String("run", id), logx.String("reason", reason),
		logx.Int("sent", snap.Sent), logx.Int("failed", snap.Failed), logx.Int("total", snap.Total))
}

func detached() context.Context { return context.Background() }
