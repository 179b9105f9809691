package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelworks/valet/internal/config"
	"github.com/kestrelworks/valet/internal/costs"
	"github.com/kestrelworks/valet/internal/providers"
	"github.com/kestrelworks/valet/internal/session"
	"github.com/kestrelworks/valet/internal/tools"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"*/15 * * * *", time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC), true},
		{"*/15 * * * *", time.Date(2026, 6, 10, 9, 15, 30, 0, time.UTC), true},
		{"*/15 * * * *", time.Date(2026, 6, 10, 9, 16, 0, 0, time.UTC), false},
		{"0 9 * * *", time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC), true},
		{"0 9 * * *", time.Date(2026, 6, 10, 10, 0, 0, 0, time.UTC), false},
		// June 10 2026 is a Wednesday; DOM/DOW OR: fires on the 1st OR on
		// Wednesdays.
		{"0 12 1 * 3", time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC), true},
		{"0 12 1 * 3", time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), true},
		{"0 12 1 * 3", time.Date(2026, 6, 11, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		got, err := Matches(tt.expr, tt.at)
		if err != nil {
			t.Fatalf("%s: %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("Matches(%s, %s) = %v, want %v", tt.expr, tt.at, got, tt.want)
		}
	}

	if _, err := Matches("not a schedule", time.Now()); err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crons.json")
	st, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}

	id, err := st.Add("standup", "0 9 * * 1-5", "Summarize my morning.")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Add("bad", "61 * * * *", "x"); err == nil {
		t.Fatal("invalid schedule accepted")
	}

	now := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
	if err := st.MarkRun(id, now); err != nil {
		t.Fatal(err)
	}

	// Reopen: the fire survives restarts.
	st2, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	jobs := st2.List()
	if len(jobs) != 1 || jobs[0].RunCount != 1 || jobs[0].LastRunISO == "" {
		t.Fatalf("jobs = %+v", jobs)
	}

	if err := st2.Remove(id); err != nil {
		t.Fatal(err)
	}
	if len(st2.List()) != 0 {
		t.Fatal("remove left the job behind")
	}
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) Kind() string        { return "fake" }
func (p *countingProvider) Model() string       { return "fake-model" }
func (p *countingProvider) SupportsTools() bool { return false }
func (p *countingProvider) Chat(context.Context, *providers.Request) (*providers.Result, error) {
	return &providers.Result{Content: "ok"}, nil
}
func (p *countingProvider) Stream(context.Context, *providers.Request) (<-chan providers.Event, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	ch := make(chan providers.Event, 2)
	ch <- providers.Event{Type: providers.EventText, Text: "ran"}
	ch <- providers.Event{Type: providers.EventDone}
	close(ch)
	return ch, nil
}
func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// failingProvider streams a terminal error on every call.
type failingProvider struct{}

func (failingProvider) Kind() string        { return "fake" }
func (failingProvider) Model() string       { return "fail-model" }
func (failingProvider) SupportsTools() bool { return false }
func (failingProvider) Chat(context.Context, *providers.Request) (*providers.Result, error) {
	return nil, errors.New("upstream unavailable")
}
func (failingProvider) Stream(context.Context, *providers.Request) (<-chan providers.Event, error) {
	ch := make(chan providers.Event, 1)
	ch <- providers.Event{Type: providers.EventError, Err: errors.New("upstream unavailable")}
	close(ch)
	return ch, nil
}

func schedulerWith(t *testing.T, reg *providers.Registry) (*Scheduler, *Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := session.NewStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := costs.OpenLedger(filepath.Join(dir, "cost-log.json"), costs.LedgerConfig{
		DailyLimitUSD: 100, DefaultPrice: costs.Price{Input: 5, Output: 15},
	})
	if err != nil {
		t.Fatal(err)
	}

	engine := session.NewEngine(session.EngineOptions{
		Store:    store,
		Registry: reg,
		Tools:    tools.NewRegistry(),
		Ledger:   ledger,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Defaults: config.SessionConfig{MaxToolRounds: 5, MaxMessagesBeforeCompact: 100, KeepRecentMessages: 10},
	})

	jobs, err := OpenStore(filepath.Join(dir, "crons.json"))
	if err != nil {
		t.Fatal(err)
	}
	return NewScheduler(jobs, engine, slog.New(slog.NewTextHandler(io.Discard, nil))), jobs
}

func testScheduler(t *testing.T) (*Scheduler, *Store, *countingProvider) {
	t.Helper()
	p := &countingProvider{}
	reg := providers.NewRegistry()
	reg.Register("default", p)
	sched, jobs := schedulerWith(t, reg)
	return sched, jobs, p
}

func TestRunDueFiresOncePerMinute(t *testing.T) {
	sched, jobs, p := testScheduler(t)
	if _, err := jobs.Add("quarterly", "*/15 * * * *", "Check in."); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 6, 10, 9, 15, 0, 0, time.UTC)

	// Two ticks landing in the same due minute fire once.
	sched.RunDue(context.Background(), base.Add(5*time.Second))
	sched.RunDue(context.Background(), base.Add(40*time.Second))
	if p.count() != 1 {
		t.Fatalf("fires = %d, want 1", p.count())
	}

	// A tick in a non-matching minute does nothing.
	sched.RunDue(context.Background(), base.Add(time.Minute))
	if p.count() != 1 {
		t.Fatalf("fires = %d, want 1", p.count())
	}

	// The next matching minute fires again.
	sched.RunDue(context.Background(), base.Add(15*time.Minute))
	if p.count() != 2 {
		t.Fatalf("fires = %d, want 2", p.count())
	}

	if got := jobs.List()[0].RunCount; got != 2 {
		t.Fatalf("run count = %d, want 2", got)
	}
}

func TestRunDueSkipsDisabled(t *testing.T) {
	sched, jobs, p := testScheduler(t)
	id, err := jobs.Add("muted", "* * * * *", "noop")
	if err != nil {
		t.Fatal(err)
	}
	if err := jobs.SetEnabled(id, false); err != nil {
		t.Fatal(err)
	}

	sched.RunDue(context.Background(), time.Now())
	if p.count() != 0 {
		t.Fatal("disabled job fired")
	}
}

func TestRunDueDisablesBadExpression(t *testing.T) {
	sched, jobs, p := testScheduler(t)
	id, err := jobs.Add("ok", "* * * * *", "noop")
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the schedule behind the store's back, as a hand-edited
	// crons.json would.
	jobs.mu.Lock()
	jobs.jobs[0].Schedule = "garbage"
	jobs.mu.Unlock()

	sched.RunDue(context.Background(), time.Now())
	if p.count() != 0 {
		t.Fatal("bad job fired")
	}
	for _, j := range jobs.List() {
		if j.ID == id && j.Enabled {
			t.Fatal("bad job not disabled")
		}
	}
}

func TestRunDueUsesQuickRole(t *testing.T) {
	def := &countingProvider{}
	quick := &countingProvider{}
	reg := providers.NewRegistry()
	reg.Register("default", def)
	reg.Register("quick", quick)
	sched, jobs := schedulerWith(t, reg)

	if _, err := jobs.Add("ping", "* * * * *", "noop"); err != nil {
		t.Fatal(err)
	}
	sched.RunDue(context.Background(), time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC))
	if quick.count() != 1 {
		t.Fatalf("quick fires = %d, want 1", quick.count())
	}
	if def.count() != 0 {
		t.Fatal("job ran on the default model")
	}
}

func TestRunDueRecordsAndClearsLastError(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register("default", &countingProvider{})
	reg.Register("quick", failingProvider{})
	sched, jobs := schedulerWith(t, reg)

	if _, err := jobs.Add("flaky", "* * * * *", "noop"); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)

	sched.RunDue(context.Background(), base)
	job := jobs.List()[0]
	if !strings.Contains(job.LastError, "upstream unavailable") {
		t.Fatalf("last error = %q", job.LastError)
	}

	// A later successful fire wipes the stale error.
	reg.Register("quick", &countingProvider{})
	sched.RunDue(context.Background(), base.Add(time.Minute))
	if got := jobs.List()[0].LastError; got != "" {
		t.Fatalf("last error not cleared: %q", got)
	}
}
