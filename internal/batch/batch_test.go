package batch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"packship/internal/publisher"
	"packship/internal/state"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRun fakes per-registry publishes.
type scriptedRun struct {
	mu       sync.Mutex
	fail     map[string]bool
	delay    map[string]time.Duration
	order    []string
	inflight atomic.Int32
	peak     atomic.Int32
	sawOpts  map[string]publisher.Options
}

func newScripted() *scriptedRun {
	return &scriptedRun{
		fail:    map[string]bool{},
		delay:   map[string]time.Duration{},
		sawOpts: map[string]publisher.Options{},
	}
}

func (s *scriptedRun) run(ctx context.Context, registry string, opts publisher.Options) *publisher.Report {
	cur := s.inflight.Add(1)
	for {
		peak := s.peak.Load()
		if cur <= peak || s.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer s.inflight.Add(-1)

	s.mu.Lock()
	s.order = append(s.order, registry)
	s.sawOpts[registry] = opts
	d := s.delay[registry]
	failed := s.fail[registry]
	s.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}
	if failed {
		return &publisher.Report{Success: false, State: state.Failed, Registry: registry, Errors: []string{"boom"}}
	}
	return &publisher.Report{Success: true, State: state.Success, Registry: registry, Version: "1.0.0"}
}

func TestEmptyRegistryListFails(t *testing.T) {
	c := New(newScripted().run, discard())
	if _, err := c.PublishAll(context.Background(), nil, Options{}); err == nil {
		t.Error("expected error for empty registry list")
	}
}

func TestDuplicateRegistryFails(t *testing.T) {
	c := New(newScripted().run, discard())
	if _, err := c.PublishAll(context.Background(), []string{"npm", "npm"}, Options{}); err == nil {
		t.Error("expected error for duplicate registry")
	}
}

func TestSequentialPreservesOrderAndSkipsAfterFailure(t *testing.T) {
	s := newScripted()
	s.fail["crates.io"] = true
	c := New(s.run, discard())

	res, err := c.PublishAll(context.Background(), []string{"npm", "crates.io", "pypi", "homebrew"},
		Options{Sequential: true})
	if err != nil {
		t.Fatalf("publish all: %v", err)
	}

	if len(s.order) != 2 || s.order[0] != "npm" || s.order[1] != "crates.io" {
		t.Errorf("order = %v", s.order)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "npm" {
		t.Errorf("succeeded = %v", res.Succeeded)
	}
	if res.Failed["crates.io"] != "boom" {
		t.Errorf("failed = %v", res.Failed)
	}
	if len(res.Skipped) != 2 {
		t.Errorf("skipped = %v", res.Skipped)
	}
	if res.Success() {
		t.Error("batch with failures reported success")
	}
}

func TestSequentialContinueOnError(t *testing.T) {
	s := newScripted()
	s.fail["npm"] = true
	c := New(s.run, discard())

	res, err := c.PublishAll(context.Background(), []string{"npm", "pypi"},
		Options{Sequential: true, ContinueOnError: true})
	if err != nil {
		t.Fatalf("publish all: %v", err)
	}
	if len(res.Skipped) != 0 {
		t.Errorf("skipped = %v", res.Skipped)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "pypi" {
		t.Errorf("succeeded = %v", res.Succeeded)
	}
}

func TestParallelRespectsConcurrencyBound(t *testing.T) {
	s := newScripted()
	registries := []string{"a", "b", "c", "d", "e", "f"}
	for _, r := range registries {
		s.delay[r] = 20 * time.Millisecond
	}
	c := New(s.run, discard())

	res, err := c.PublishAll(context.Background(), registries, Options{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("publish all: %v", err)
	}
	if !res.Success() {
		t.Errorf("result = %+v", res)
	}
	if peak := s.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestParallelSkipsQueuedWorkAfterFailure(t *testing.T) {
	s := newScripted()
	s.fail["a"] = true
	registries := []string{"a", "b", "c", "d", "e"}
	for _, r := range registries[1:] {
		s.delay[r] = 10 * time.Millisecond
	}
	c := New(s.run, discard())

	res, err := c.PublishAll(context.Background(), registries, Options{MaxConcurrency: 1})
	if err != nil {
		t.Fatalf("publish all: %v", err)
	}
	if _, ok := res.Failed["a"]; !ok {
		t.Errorf("failed = %v", res.Failed)
	}
	// Scheduling decides how many registries start before the failure
	// lands, but everything not started must be skipped, and the
	// batch as a whole must not report success.
	if got := len(res.Succeeded) + len(res.Skipped); got != 4 {
		t.Errorf("succeeded=%v skipped=%v, want the other four registries accounted for", res.Succeeded, res.Skipped)
	}
	if res.Success() {
		t.Error("batch reported success despite a failure")
	}
}

func TestParallelContinueOnErrorRunsEverything(t *testing.T) {
	s := newScripted()
	s.fail["a"] = true
	c := New(s.run, discard())

	res, err := c.PublishAll(context.Background(), []string{"a", "b", "c"},
		Options{MaxConcurrency: 1, ContinueOnError: true})
	if err != nil {
		t.Fatalf("publish all: %v", err)
	}
	if len(res.Skipped) != 0 {
		t.Errorf("skipped = %v", res.Skipped)
	}
	if len(res.Succeeded) != 2 {
		t.Errorf("succeeded = %v", res.Succeeded)
	}
}

func TestBatchForcesNonInteractive(t *testing.T) {
	s := newScripted()
	c := New(s.run, discard())

	_, err := c.PublishAll(context.Background(), []string{"npm"}, Options{
		Sequential: true,
		Publish:    publisher.Options{NonInteractive: false},
	})
	if err != nil {
		t.Fatalf("publish all: %v", err)
	}
	if !s.sawOpts["npm"].NonInteractive {
		t.Error("batch run was not forced non-interactive")
	}
	if s.sawOpts["npm"].Registry != "npm" {
		t.Errorf("registry option = %q", s.sawOpts["npm"].Registry)
	}
}
