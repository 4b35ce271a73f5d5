package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ldi/claimdeck/internal/catalog"
	"github.com/ldi/claimdeck/internal/clock"
	"github.com/ldi/claimdeck/internal/db"
	"github.com/ldi/claimdeck/internal/identity"
	"github.com/ldi/claimdeck/internal/ledger"
	"github.com/ldi/claimdeck/pkg/models"
)

// flakyBackend wraps a real database and lets tests inject failures into
// the mutation calls.
type flakyBackend struct {
	*db.DB

	mu     sync.Mutex
	calls  map[string]int
	errors map[string]error
	// gate, when set, blocks inserts until closed; entered receives a
	// value as each insert reaches the gate.
	gate    chan struct{}
	entered chan struct{}
}

func newFlakyBackend(t *testing.T, tasks ...models.Task) *flakyBackend {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	if err := d.UpsertTasks(ctx, tasks); err != nil {
		t.Fatalf("Failed to seed tasks: %v", err)
	}
	return &flakyBackend{
		DB:     d,
		calls:  make(map[string]int),
		errors: make(map[string]error),
	}
}

func (f *flakyBackend) enter(method string) error {
	f.mu.Lock()
	f.calls[method]++
	err := f.errors[method]
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (f *flakyBackend) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *flakyBackend) setErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = err
}

func (f *flakyBackend) InsertClaim(ctx context.Context, userID, taskID string) (*models.Claim, error) {
	if err := f.enter("insert"); err != nil {
		return nil, err
	}
	return f.DB.InsertClaim(ctx, userID, taskID)
}

func (f *flakyBackend) DeleteClaim(ctx context.Context, userID, taskID string) error {
	if err := f.enter("delete"); err != nil {
		return err
	}
	return f.DB.DeleteClaim(ctx, userID, taskID)
}

func (f *flakyBackend) UpdateClaimStatus(ctx context.Context, userID, taskID string, status models.ClaimStatus, field models.TimestampField) (*models.Claim, error) {
	if err := f.enter("update"); err != nil {
		return nil, err
	}
	return f.DB.UpdateClaimStatus(ctx, userID, taskID, status, field)
}

type session struct {
	engine  *Engine
	catalog *catalog.Store
	ledger  *ledger.Ledger
	id      *identity.Static
}

func newSession(t *testing.T, b *flakyBackend, userID string) *session {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	cat := catalog.New(b, nil, clk, zerolog.Nop(), catalog.DefaultOptions())
	if _, err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Failed to load preview: %v", err)
	}
	led := ledger.New(b, nil, clk, zerolog.Nop(), ledger.DefaultOptions())
	id := identity.NewStatic(userID)
	return &session{
		engine:  New(b, b, cat, led, id, clk, zerolog.Nop()),
		catalog: cat,
		ledger:  led,
		id:      id,
	}
}

func seedTasks() []models.Task {
	return []models.Task{
		{ID: "t1", Type: "writing", Category: "Poetry"},
		{ID: "t2", Type: "writing", Category: "Prose"},
		{ID: "t3", Type: "code", Category: "Go"},
		{ID: "t4", Type: "code", Category: "Rust"},
	}
}

func available(s *session, taskType string) int {
	return s.catalog.Snapshot().Counts[taskType].Available
}

func TestClaim(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	s := newSession(t, b, "alice")
	ctx := context.Background()

	c, err := s.engine.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if c.ID == "" || c.Status != models.ClaimStatusClaimed {
		t.Errorf("Expected server claim, got %+v", c)
	}

	mine, ok := s.ledger.Get("t1")
	if !ok || mine.ID != c.ID {
		t.Errorf("Expected ledger reconciled with server claim, got %+v", mine)
	}
	if mine.Task == nil || mine.Task.ID != "t1" {
		t.Errorf("Expected task attached to ledger claim")
	}
	if claimed, _ := s.catalog.Claimed("t1"); !claimed {
		t.Errorf("Expected catalog flag set")
	}
	if n := available(s, "writing"); n != 1 {
		t.Errorf("Expected 1 writing task available, got %d", n)
	}

	if _, err := s.engine.Claim(ctx, "t1"); !errors.Is(err, models.ErrAlreadyClaimed) {
		t.Errorf("Expected local ErrAlreadyClaimed, got %v", err)
	}
	if b.count("insert") != 1 {
		t.Errorf("Expected no second insert, got %d", b.count("insert"))
	}
}

func TestClaimNotAuthenticated(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	s := newSession(t, b, "")

	if _, err := s.engine.Claim(context.Background(), "t1"); !errors.Is(err, models.ErrNotAuthenticated) {
		t.Errorf("Expected ErrNotAuthenticated, got %v", err)
	}
	if b.count("insert") != 0 {
		t.Errorf("Expected no insert")
	}
}

func TestClaimCapacityGuard(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	s := newSession(t, b, "alice")
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := s.engine.Claim(ctx, id); err != nil {
			t.Fatalf("Claim %s failed: %v", id, err)
		}
	}

	_, err := s.engine.Claim(ctx, "t4")
	if !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
	if b.count("insert") != 3 {
		t.Errorf("Expected the guard to skip the network call, got %d inserts", b.count("insert"))
	}
	if claimed, _ := s.catalog.Claimed("t4"); claimed {
		t.Errorf("Rejected claim must not touch the catalog")
	}
}

func TestClaimServerCapacityRollsBack(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	b.DB.SetMaxActiveClaims(1)
	s := newSession(t, b, "alice")
	ctx := context.Background()

	if _, err := s.engine.Claim(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	// The local guard allows three, the server only one.
	_, err := s.engine.Claim(ctx, "t3")
	if !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("Expected server ErrCapacityExceeded, got %v", err)
	}
	if b.count("insert") != 2 {
		t.Errorf("Expected the server to be asked, got %d inserts", b.count("insert"))
	}
	if _, ok := s.ledger.Get("t3"); ok {
		t.Errorf("Expected optimistic claim rolled back")
	}
	if claimed, _ := s.catalog.Claimed("t3"); claimed {
		t.Errorf("Expected catalog flag rolled back")
	}
	if n := available(s, "code"); n != 2 {
		t.Errorf("Expected code availability restored, got %d", n)
	}
	if s.ledger.ActiveCount() != 1 {
		t.Errorf("Expected 1 active claim after resync, got %d", s.ledger.ActiveCount())
	}
}

func TestTwoUserRace(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	alice := newSession(t, b, "alice")
	bob := newSession(t, b, "bob")
	ctx := context.Background()

	if _, err := alice.engine.Claim(ctx, "t1"); err != nil {
		t.Fatalf("alice Claim failed: %v", err)
	}

	// Bob's catalog still shows t1 as available.
	if claimed, _ := bob.catalog.Claimed("t1"); claimed {
		t.Fatalf("Expected bob's view to be stale")
	}

	_, err := bob.engine.Claim(ctx, "t1")
	if !errors.Is(err, models.ErrAlreadyClaimed) {
		t.Fatalf("Expected ErrAlreadyClaimed, got %v", err)
	}
	if _, ok := bob.ledger.Get("t1"); ok {
		t.Errorf("Expected bob's optimistic claim rolled back")
	}
	if claimed, _ := bob.catalog.Claimed("t1"); !claimed {
		t.Errorf("Expected resync to mark t1 claimed in bob's catalog")
	}
	if n := available(bob, "writing"); n != 1 {
		t.Errorf("Expected bob to see 1 writing task available, got %d", n)
	}
}

func TestConcurrentClaims(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	sessions := []*session{newSession(t, b, "alice"), newSession(t, b, "bob")}
	ctx := context.Background()

	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *session) {
			defer wg.Done()
			_, errs[i] = s.engine.Claim(ctx, "t3")
		}(i, s)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrAlreadyClaimed):
			conflicts++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("Expected one win and one conflict, got %d and %d", wins, conflicts)
	}
}

func TestLifecycleWithFailedAccept(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	s := newSession(t, b, "alice")
	ctx := context.Background()

	if _, err := s.engine.Claim(ctx, "t1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	started, err := s.engine.Start(ctx, "t1")
	if err != nil || started.StartedAt == nil {
		t.Fatalf("Start failed: %v (%+v)", err, started)
	}
	submitted, err := s.engine.Submit(ctx, "t1")
	if err != nil || submitted.SubmittedAt == nil {
		t.Fatalf("Submit failed: %v (%+v)", err, submitted)
	}

	b.setErr("update", models.Wrap(models.ErrNetwork, "t1", errors.New("connection reset")))
	if _, err := s.engine.Accept(ctx, "t1"); !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("Expected ErrNetwork, got %v", err)
	}

	c, ok := s.ledger.Get("t1")
	if !ok || c.Status != models.ClaimStatusWaitingReview {
		t.Fatalf("Expected rollback to waiting_review, got %+v", c)
	}
	if c.CompletedAt != nil || c.SubmittedAt == nil {
		t.Errorf("Expected submitted timestamp kept and no completion, got %+v", c)
	}

	b.setErr("update", nil)
	accepted, err := s.engine.Accept(ctx, "t1")
	if err != nil {
		t.Fatalf("Accept retry failed: %v", err)
	}
	if accepted.Status != models.ClaimStatusAccepted || accepted.CompletedAt == nil {
		t.Errorf("Expected accepted claim, got %+v", accepted)
	}
	if s.ledger.ActiveCount() != 0 {
		t.Errorf("Accepted claims are not active")
	}

	reopened, err := s.engine.Reopen(ctx, "t1")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if reopened.Status != models.ClaimStatusInProgress || reopened.SubmittedAt != nil || reopened.CompletedAt != nil {
		t.Errorf("Expected reopened claim without review timestamps, got %+v", reopened)
	}
}

func TestTransitionOnOutdatedMirror(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	phone := newSession(t, b, "alice")
	laptop := newSession(t, b, "alice")
	ctx := context.Background()

	if _, err := phone.engine.Claim(ctx, "t1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := laptop.engine.Start(ctx, "t1"); err != nil {
		t.Fatalf("Start from a session that never saw the claim failed: %v", err)
	}

	// The phone mirror still says claimed; submit must consult the server.
	if c, _ := phone.ledger.Get("t1"); c.Status != models.ClaimStatusClaimed {
		t.Fatalf("Expected outdated mirror, got %s", c.Status)
	}
	submitted, err := phone.engine.Submit(ctx, "t1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if submitted.Status != models.ClaimStatusWaitingReview {
		t.Errorf("Expected waiting_review, got %s", submitted.Status)
	}
}

func TestClaimAfterReleaseElsewhere(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	phone := newSession(t, b, "alice")
	laptop := newSession(t, b, "alice")
	ctx := context.Background()

	if _, err := phone.engine.Claim(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := laptop.engine.Release(ctx, "t1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok := phone.ledger.Get("t1"); !ok {
		t.Fatalf("Expected the phone mirror to still hold t1")
	}
	if _, err := phone.engine.Claim(ctx, "t1"); err != nil {
		t.Errorf("Expected a stale mirrored claim not to block claiming, got %v", err)
	}
	if b.count("insert") != 2 {
		t.Errorf("Expected two inserts, got %d", b.count("insert"))
	}
}

func TestInvalidTransitionIsLocal(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	s := newSession(t, b, "alice")
	ctx := context.Background()

	if _, err := s.engine.Accept(ctx, "t1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for unheld task, got %v", err)
	}

	s.engine.Claim(ctx, "t1")
	for _, action := range []models.Action{models.ActionSubmit, models.ActionAccept, models.ActionReopen} {
		if _, err := s.engine.Transition(ctx, "t1", action); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("%s: expected ErrInvalidTransition, got %v", action, err)
		}
	}
	if b.count("update") != 0 {
		t.Errorf("Expected no server calls, got %d", b.count("update"))
	}
}

func TestReleaseRollback(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	s := newSession(t, b, "alice")
	ctx := context.Background()

	if _, err := s.engine.Claim(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	b.setErr("delete", models.Wrap(models.ErrNetwork, "t1", errors.New("timeout")))
	if err := s.engine.Release(ctx, "t1"); !errors.Is(err, models.ErrNetwork) {
		t.Fatalf("Expected ErrNetwork, got %v", err)
	}
	if _, ok := s.ledger.Get("t1"); !ok {
		t.Errorf("Expected claim restored")
	}
	if claimed, _ := s.catalog.Claimed("t1"); !claimed {
		t.Errorf("Expected catalog flag restored")
	}

	b.setErr("delete", nil)
	if err := s.engine.Release(ctx, "t1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok := s.ledger.Get("t1"); ok {
		t.Errorf("Expected claim removed")
	}
	if claimed, _ := s.catalog.Claimed("t1"); claimed {
		t.Errorf("Expected catalog flag cleared")
	}
	if n := available(s, "writing"); n != 2 {
		t.Errorf("Expected both writing tasks available, got %d", n)
	}
}

func TestMutationsSerializePerTask(t *testing.T) {
	b := newFlakyBackend(t, seedTasks()...)
	s := newSession(t, b, "alice")
	ctx := context.Background()

	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.entered = make(chan struct{}, 2)
	b.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		_, err := s.engine.Claim(ctx, "t1")
		first <- err
	}()
	<-b.entered

	second := make(chan error, 1)
	go func() {
		_, err := s.engine.Claim(ctx, "t1")
		second <- err
	}()

	select {
	case err := <-second:
		t.Fatalf("Second mutation finished before the first: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if err := <-second; !errors.Is(err, models.ErrAlreadyClaimed) {
		t.Errorf("Expected second claim to see the first, got %v", err)
	}
	if b.count("insert") != 1 {
		t.Errorf("Expected one insert, got %d", b.count("insert"))
	}
	if n := s.engine.locks.len(); n != 0 {
		t.Errorf("Expected lock entries released, got %d", n)
	}
}
