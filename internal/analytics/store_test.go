package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"packship/internal/publisher"
	"packship/internal/state"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultPath(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(registry, version string, success bool, d time.Duration) *publisher.Report {
	r := &publisher.Report{
		Registry:    registry,
		PackageName: "demo",
		Version:     version,
		Success:     success,
		State:       state.Success,
		Duration:    d,
	}
	if !success {
		r.State = state.Failed
		r.Code = publisher.CodePublishFailed
		r.Errors = []string{"boom"}
	}
	return r
}

func TestRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, rep := range []*publisher.Report{
		record("npm", "1.0.0", true, 2*time.Second),
		record("npm", "1.0.1", false, time.Second),
		record("pypi", "1.0.0", true, 3*time.Second),
	} {
		if err := s.Record(ctx, rep); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("records = %d, want 3", len(all))
	}

	npm, err := s.List(ctx, Filter{Registry: "npm"})
	if err != nil {
		t.Fatalf("list npm: %v", err)
	}
	if len(npm) != 2 {
		t.Errorf("npm records = %d, want 2", len(npm))
	}
	for _, r := range npm {
		if r.Registry != "npm" || r.Package != "demo" {
			t.Errorf("record = %+v", r)
		}
	}

	limited, err := s.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited records = %d, want 1", len(limited))
	}
}

func TestFailureDetailsStored(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, record("npm", "2.0.0", false, time.Second)); err != nil {
		t.Fatal(err)
	}
	got, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Success || got[0].Code != string(publisher.CodePublishFailed) || got[0].Error != "boom" {
		t.Errorf("record = %+v", got[0])
	}
}

func TestStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, rep := range []*publisher.Report{
		record("npm", "1.0.0", true, 2*time.Second),
		record("npm", "1.0.1", true, 4*time.Second),
		record("npm", "1.0.2", false, time.Second),
		record("pypi", "0.5.0", true, time.Second),
	} {
		if err := s.Record(ctx, rep); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Stats(ctx, Filter{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	npm := stats[0]
	if npm.Registry != "npm" {
		t.Fatalf("stats order = %+v", stats)
	}
	if npm.Total != 3 || npm.Succeeded != 2 || npm.Failed != 1 {
		t.Errorf("npm stats = %+v", npm)
	}
	if rate := npm.SuccessRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("success rate = %f", rate)
	}
	if npm.AvgDuration <= 0 {
		t.Error("avg duration not aggregated")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	for range 2 {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := s.Record(context.Background(), record("npm", "1.0.0", true, time.Second)); err != nil {
			t.Fatalf("record: %v", err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.List(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("records across reopens = %d, want 2", len(got))
	}
}
