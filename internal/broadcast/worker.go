package broadcast

import (
	"context"
	"errors"
	"time"

	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

// worker pops tasks off the queue and attempts delivery until the run
// context ends. A task re-enters the queue on a retryable failure and
// leaves the pool through the results channel on a terminal outcome.
func (s *Service) worker(ctx context.Context, j *runExec, queue chan *task, results chan<- result) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			s.attempt(ctx, j, t, queue, results)
		}
	}
}

// attempt performs one send for the task: wait out its backoff deadline,
// acquire a rate token, send, classify. The results channel is buffered
// for the whole task set, so terminal reports never block.
func (s *Service) attempt(ctx context.Context, j *runExec, t *task, queue chan *task, results chan<- result) {
	if wait := time.Until(t.nextAt); wait > 0 {
		// Sleeping on the worker is fine here: at most Workers tasks wait
		// at once and the run cannot finish while the task is outstanding.
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	s.mu.Lock()
	lim := s.limiter
	pol := s.policy
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	err := s.sender.Send(sctx, t.recipient, j.msg)
	cancel()

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Run was torn down mid-send; the attempt never reached the
		// transport, so do not count it.
		return
	}

	t.attempts++
	if err != nil {
		t.lastErr = err
	}

	v := pol.Classify(t, err)
	switch v.kind {
	case verdictSent:
		s.log.Debug("delivered", logx.String("run", j.id),
			logx.Int64("recipient", int64(t.recipient)), logx.Int("attempt", t.attempts))
		results <- result{task: t, sent: true}

	case verdictPermanent:
		if transport.IsBlocked(err) {
			s.markRecipientBlocked(t.recipient)
		}
		results <- result{task: t, reason: v.reason}

	case verdictRetry:
		delay := pol.Jittered(v.delay)
		t.nextAt = time.Now().Add(delay)
		s.log.Debug("send retry scheduled", logx.String("run", j.id),
			logx.Int64("recipient", int64(t.recipient)), logx.Int("attempt", t.attempts),
			logx.Duration("delay", delay), logx.Err(err))
		select {
		case queue <- t:
		case <-ctx.Done():
		}
	}
}

// markRecipientBlocked flags a recipient so later runs skip them. Best
// effort: a failure here only costs one wasted send next time.
func (s *Service) markRecipientBlocked(id transport.RecipientID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.registry.MarkBlocked(ctx, id); err != nil {
		s.log.Warn("mark blocked failed", logx.Int64("recipient", int64(id)), logx.Err(err))
	}
}
