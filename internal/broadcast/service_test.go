package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"heraldbot/internal/eventbus"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

// fakeSender records attempts per recipient and delegates outcomes to an
// optional script.
type fakeSender struct {
	mu     sync.Mutex
	sends  map[transport.RecipientID]int
	script func(to transport.RecipientID, attempt int) error
	delay  time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{sends: map[transport.RecipientID]int{}}
}

func (f *fakeSender) Send(ctx context.Context, to transport.RecipientID, msg transport.Message) error {
	f.mu.Lock()
	f.sends[to]++
	attempt := f.sends[to]
	script := f.script
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if script != nil {
		return script(to, attempt)
	}
	return nil
}

func (f *fakeSender) attempts(to transport.RecipientID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[to]
}

func (f *fakeSender) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sends {
		n += c
	}
	return n
}

type fakeRegistry struct {
	mu      sync.Mutex
	all     []transport.RecipientID
	blocked map[transport.RecipientID]bool
	listErr error
}

func newFakeRegistry(ids ...transport.RecipientID) *fakeRegistry {
	return &fakeRegistry{all: ids, blocked: map[transport.RecipientID]bool{}}
}

func (f *fakeRegistry) ListEligible(ctx context.Context, subset []transport.RecipientID) ([]transport.RecipientID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	want := map[transport.RecipientID]bool{}
	for _, id := range subset {
		want[id] = true
	}
	var out []transport.RecipientID
	for _, id := range f.all {
		if f.blocked[id] {
			continue
		}
		if len(subset) > 0 && !want[id] {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeRegistry) MarkBlocked(ctx context.Context, id transport.RecipientID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[id] = true
	return nil
}

func (f *fakeRegistry) isBlocked(id transport.RecipientID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[id]
}

func fastConfig() Config {
	return Config{
		Workers:           4,
		MaxSendsPerWindow: 1000,
		RateWindow:        time.Second,
		RetryMax:          3,
		RetryBase:         time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
		SendTimeout:       time.Second,
		QueueSize:         4,
	}
}

func newTestService(t *testing.T, cfg Config, sender transport.Sender, reg Registry, st store.Store) *Service {
	t.Helper()
	svc := New(cfg, sender, reg, st, eventbus.New(), logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func waitTerminal(t *testing.T, svc *Service, id string) Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := svc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if st.State.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", id)
	return Status{}
}

func checkInvariant(t *testing.T, st Status) {
	t.Helper()
	if st.Sent+st.Failed > st.Total {
		t.Fatalf("counter invariant violated: sent %d + failed %d > total %d", st.Sent, st.Failed, st.Total)
	}
	if st.State.Terminal() && st.State == StateCompleted && st.Sent+st.Failed != st.Total {
		t.Fatalf("completed run has sent %d + failed %d != total %d", st.Sent, st.Failed, st.Total)
	}
}

func TestRunHappyPath(t *testing.T) {
	sender := newFakeSender()
	reg := newFakeRegistry(1, 2, 3)
	st := store.NewMemory()
	svc := newTestService(t, fastConfig(), sender, reg, st)

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hello"}, Filter{})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	final := waitTerminal(t, svc, id)
	checkInvariant(t, final)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed (reason %q)", final.State, final.Reason)
	}
	if final.Sent != 3 || final.Failed != 0 || final.Total != 3 {
		t.Fatalf("counters = %d/%d/%d, want 3/0/3", final.Sent, final.Failed, final.Total)
	}

	for _, r := range []transport.RecipientID{1, 2, 3} {
		d, err := st.GetDelivery(context.Background(), id, r)
		if err != nil {
			t.Fatalf("GetDelivery(%d): %v", r, err)
		}
		if d.Outcome != "sent" || d.Attempts != 1 {
			t.Fatalf("delivery %d = %q/%d attempts, want sent/1", r, d.Outcome, d.Attempts)
		}
	}
}

func TestRunMixedOutcomes(t *testing.T) {
	// Recipient 1 is unreachable, recipient 2 needs two retries, 3 and 4
	// deliver first try.
	sender := newFakeSender()
	sender.script = func(to transport.RecipientID, attempt int) error {
		switch to {
		case 1:
			return fmt.Errorf("%w: chat not found", transport.ErrBlocked)
		case 2:
			if attempt <= 2 {
				return fmt.Errorf("%w: connection reset", transport.ErrTransient)
			}
		}
		return nil
	}
	reg := newFakeRegistry(1, 2, 3, 4)
	st := store.NewMemory()
	svc := newTestService(t, fastConfig(), sender, reg, st)

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hello"}, Filter{})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	final := waitTerminal(t, svc, id)
	checkInvariant(t, final)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	if final.Sent != 3 || final.Failed != 1 || final.Total != 4 {
		t.Fatalf("counters = %d/%d/%d, want 3/1/4", final.Sent, final.Failed, final.Total)
	}
	if got := sender.attempts(1); got != 1 {
		t.Fatalf("unreachable recipient attempts = %d, want 1", got)
	}
	if got := sender.attempts(2); got != 3 {
		t.Fatalf("flaky recipient attempts = %d, want 3", got)
	}

	d, err := st.GetDelivery(context.Background(), id, 2)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Outcome != "sent" || d.Attempts != 3 {
		t.Fatalf("delivery 2 = %q/%d attempts, want sent/3", d.Outcome, d.Attempts)
	}
}

func TestRunExhaustedRetries(t *testing.T) {
	sender := newFakeSender()
	sender.script = func(to transport.RecipientID, attempt int) error {
		return fmt.Errorf("%w: gateway timeout", transport.ErrTransient)
	}
	st := store.NewMemory()
	svc := newTestService(t, fastConfig(), sender, newFakeRegistry(1), st)

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hello"}, Filter{})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	final := waitTerminal(t, svc, id)
	if final.Failed != 1 || final.Sent != 0 {
		t.Fatalf("counters = %d sent / %d failed, want 0/1", final.Sent, final.Failed)
	}
	if got := sender.attempts(1); got != 3 {
		t.Fatalf("attempts = %d, want exactly 3", got)
	}

	d, err := st.GetDelivery(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Outcome != "failed" || d.Attempts != 3 {
		t.Fatalf("delivery = %q/%d attempts, want failed/3", d.Outcome, d.Attempts)
	}

	// No further sends after the terminal outcome.
	time.Sleep(50 * time.Millisecond)
	if got := sender.attempts(1); got != 3 {
		t.Fatalf("attempts grew to %d after terminal outcome", got)
	}
}

func TestRunBlockedRecipient(t *testing.T) {
	sender := newFakeSender()
	sender.script = func(to transport.RecipientID, attempt int) error {
		if to == 2 {
			return fmt.Errorf("%w: bot was blocked by the user", transport.ErrBlocked)
		}
		return nil
	}
	reg := newFakeRegistry(1, 2, 3)
	st := store.NewMemory()
	svc := newTestService(t, fastConfig(), sender, reg, st)

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hello"}, Filter{})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	final := waitTerminal(t, svc, id)
	if final.Sent != 2 || final.Failed != 1 {
		t.Fatalf("counters = %d sent / %d failed, want 2/1", final.Sent, final.Failed)
	}
	if got := sender.attempts(2); got != 1 {
		t.Fatalf("blocked recipient got %d attempts, want exactly 1", got)
	}
	if !reg.isBlocked(2) {
		t.Fatal("blocked recipient was not flagged in the registry")
	}

	// The next run must skip the flagged recipient entirely.
	id2, err := svc.CreateRun(context.Background(), transport.Message{Body: "again"}, Filter{})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	final2 := waitTerminal(t, svc, id2)
	if final2.Total != 2 || final2.Sent != 2 {
		t.Fatalf("second run counters = %d sent / %d total, want 2/2", final2.Sent, final2.Total)
	}
}

func TestRunFilterSubset(t *testing.T) {
	sender := newFakeSender()
	reg := newFakeRegistry(1, 2, 3, 4, 5)
	st := store.NewMemory()
	svc := newTestService(t, fastConfig(), sender, reg, st)

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hi"}, Filter{Recipients: []transport.RecipientID{2, 4}})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	final := waitTerminal(t, svc, id)
	if final.Total != 2 || final.Sent != 2 {
		t.Fatalf("counters = %d sent / %d total, want 2/2", final.Sent, final.Total)
	}
	if sender.attempts(1) != 0 || sender.attempts(3) != 0 || sender.attempts(5) != 0 {
		t.Fatal("recipients outside the filter were contacted")
	}
}

func TestRunCancelMidDispatch(t *testing.T) {
	sender := newFakeSender()
	sender.delay = 20 * time.Millisecond
	reg := newFakeRegistry(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	st := store.NewMemory()
	cfg := fastConfig()
	cfg.Workers = 1
	svc := newTestService(t, cfg, sender, reg, st)

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hello"}, Filter{})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Let a couple of deliveries land, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for {
		stt, err := svc.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if stt.Sent >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never delivered the first messages")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitTerminal(t, svc, id)
	checkInvariant(t, final)
	if final.State != StateAborted {
		t.Fatalf("state = %s, want aborted", final.State)
	}
	if final.Sent+final.Failed >= final.Total {
		t.Fatalf("cancelled run finished all %d recipients", final.Total)
	}
	if final.Sent < 2 {
		t.Fatalf("partial counters lost: sent = %d, want >= 2", final.Sent)
	}

	if err := svc.Cancel(context.Background(), id); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("second Cancel = %v, want ErrRunFinished", err)
	}
}

func TestRunResumeSkipsTerminalRecipients(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// Simulate a crash: a dispatching run with 2 of 5 recipients already
	// terminal.
	id := "run:resume"
	if err := st.CreateRun(ctx, store.Run{ID: id, State: string(StateDispatching), Body: "hello", Total: 5, Sent: 1, Failed: 1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	all := []transport.RecipientID{1, 2, 3, 4, 5}
	if err := st.InsertPending(ctx, id, all); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if err := st.RecordOutcome(ctx, store.Delivery{RunID: id, Recipient: 1, Attempts: 1, Outcome: "sent"}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := st.RecordOutcome(ctx, store.Delivery{RunID: id, Recipient: 2, Attempts: 3, Outcome: "failed"}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	sender := newFakeSender()
	reg := newFakeRegistry(all...)
	svc := newTestService(t, fastConfig(), sender, reg, st)

	final := waitTerminal(t, svc, id)
	checkInvariant(t, final)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	if final.Sent != 4 || final.Failed != 1 || final.Total != 5 {
		t.Fatalf("counters = %d/%d/%d, want 4/1/5", final.Sent, final.Failed, final.Total)
	}

	// Recipients with a recorded outcome must not be contacted again.
	if sender.attempts(1) != 0 || sender.attempts(2) != 0 {
		t.Fatalf("terminal recipients re-sent: %d/%d attempts", sender.attempts(1), sender.attempts(2))
	}
	if sender.totalAttempts() != 3 {
		t.Fatalf("total attempts = %d, want 3 (outstanding only)", sender.totalAttempts())
	}
}

func TestRunResumeRecountsOutcomes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// Simulate a crash between a RecordOutcome and its run checkpoint: the
	// delivery row for recipient 1 says "sent" but the run row still reads
	// 0/0. The resumed run must recount from the delivery rows.
	id := "run:recount"
	if err := st.CreateRun(ctx, store.Run{ID: id, State: string(StateDispatching), Body: "hello", Total: 3, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	all := []transport.RecipientID{1, 2, 3}
	if err := st.InsertPending(ctx, id, all); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if err := st.RecordOutcome(ctx, store.Delivery{RunID: id, Recipient: 1, Attempts: 1, Outcome: "sent"}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	sender := newFakeSender()
	svc := newTestService(t, fastConfig(), sender, newFakeRegistry(all...), st)

	final := waitTerminal(t, svc, id)
	checkInvariant(t, final)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	if final.Sent != 3 || final.Failed != 0 || final.Total != 3 {
		t.Fatalf("counters = %d/%d/%d, want 3/0/3", final.Sent, final.Failed, final.Total)
	}
	if sender.attempts(1) != 0 {
		t.Fatalf("recorded recipient re-sent: %d attempts", sender.attempts(1))
	}
	if sender.totalAttempts() != 2 {
		t.Fatalf("total attempts = %d, want 2 (outstanding only)", sender.totalAttempts())
	}
}

func TestRunResumeKeepsEnumerationFilter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// A filtered run that died before dispatching must re-enumerate against
	// its original recipient set, not the whole registry.
	id := "run:filtered"
	if err := st.CreateRun(ctx, store.Run{
		ID:        id,
		State:     string(StateEnumerating),
		Body:      "hello",
		Filter:    []transport.RecipientID{2},
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	sender := newFakeSender()
	svc := newTestService(t, fastConfig(), sender, newFakeRegistry(1, 2, 3, 4, 5), st)

	final := waitTerminal(t, svc, id)
	checkInvariant(t, final)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	if final.Total != 1 || final.Sent != 1 {
		t.Fatalf("counters = %d sent / %d total, want 1/1", final.Sent, final.Total)
	}
	for _, r := range []transport.RecipientID{1, 3, 4, 5} {
		if sender.attempts(r) != 0 {
			t.Fatalf("recipient %d outside the filter was contacted", r)
		}
	}
}

func TestCreateRunEmptyBody(t *testing.T) {
	sender := newFakeSender()
	reg := newFakeRegistry(1)
	st := store.NewMemory()
	svc := newTestService(t, fastConfig(), sender, reg, st)

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "   "}, Filter{})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("CreateRun = %v, want ErrEmptyMessage", err)
	}
	stt, serr := svc.Status(context.Background(), id)
	if serr != nil {
		t.Fatalf("Status: %v", serr)
	}
	if stt.State != StateAborted {
		t.Fatalf("state = %s, want aborted", stt.State)
	}
	if sender.totalAttempts() != 0 {
		t.Fatal("empty message reached the transport")
	}
}

func TestCreateRunWhileStopped(t *testing.T) {
	svc := New(fastConfig(), newFakeSender(), newFakeRegistry(1), store.NewMemory(), eventbus.New(), logx.Nop())

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hello"}, Filter{})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("CreateRun = %v, want ErrStopped", err)
	}
	stt, serr := svc.Status(context.Background(), id)
	if serr != nil {
		t.Fatalf("Status: %v", serr)
	}
	if stt.State != StateAborted {
		t.Fatalf("state = %s, want aborted", stt.State)
	}
}

func TestRunLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	sender := newFakeSender()
	svc := New(fastConfig(), sender, newFakeRegistry(1, 2), store.NewMemory(), bus, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	id, err := svc.CreateRun(context.Background(), transport.Message{Body: "hello"}, Filter{})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	waitTerminal(t, svc, id)

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[eventbus.TypeRunCompleted] {
		select {
		case e := <-events:
			seen[e.Type] = true
		case <-deadline:
			t.Fatalf("run.completed never published; saw %v", seen)
		}
	}
	for _, typ := range []string{eventbus.TypeRunQueued, eventbus.TypeRunStarted, eventbus.TypeRunCompleted} {
		if !seen[typ] {
			t.Fatalf("missing event %q; saw %v", typ, seen)
		}
	}
}

func TestStatusUnknownRun(t *testing.T) {
	svc := newTestService(t, fastConfig(), newFakeSender(), newFakeRegistry(), store.NewMemory())
	if _, err := svc.Status(context.Background(), "run:nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Status = %v, want ErrRunNotFound", err)
	}
}
