// Package batch publishes one project to several registries in a
// single run, sequentially or with bounded parallelism.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"packship/internal/publisher"
)

// DefaultMaxConcurrency bounds parallel registry publishes.
const DefaultMaxConcurrency = 3

// Options for one batch run.
type Options struct {
	// Sequential publishes in input order; the default is parallel.
	Sequential bool
	// ContinueOnError keeps going after a registry fails instead of
	// skipping the rest.
	ContinueOnError bool
	// MaxConcurrency bounds parallel mode; zero means
	// DefaultMaxConcurrency.
	MaxConcurrency int
	// Publish options are forwarded to every per-registry run.
	// NonInteractive is forced on: prompts cannot be multiplexed
	// across concurrent workers.
	Publish publisher.Options
}

// Result aggregates a batch run.
type Result struct {
	// Succeeded registries, in completion order for parallel runs and
	// input order for sequential ones.
	Succeeded []string
	// Failed maps a registry to its first error message.
	Failed map[string]string
	// Skipped registries never started because an earlier one failed.
	Skipped []string
	// Reports holds every per-registry report that ran.
	Reports map[string]*publisher.Report
}

// Success reports whether every requested registry published.
func (r *Result) Success() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

// RunFunc publishes to a single registry and returns its report. The
// production implementation builds a fresh Publisher per registry with
// a namespaced state file.
type RunFunc func(ctx context.Context, registry string, opts publisher.Options) *publisher.Report

// Controller fans one publish out over several registries.
type Controller struct {
	run    RunFunc
	logger *slog.Logger
}

// New builds a Controller around a per-registry run function.
func New(run RunFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{run: run, logger: logger}
}

// PublishAll publishes to every listed registry. The error return is
// reserved for unusable input; per-registry failures land in Result.
func (c *Controller) PublishAll(ctx context.Context, registries []string, opts Options) (*Result, error) {
	if len(registries) == 0 {
		return nil, fmt.Errorf("no registries requested")
	}
	seen := map[string]struct{}{}
	for _, name := range registries {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("registry %s listed twice", name)
		}
		seen[name] = struct{}{}
	}

	opts.Publish.NonInteractive = true

	if opts.Sequential {
		return c.sequential(ctx, registries, opts), nil
	}
	return c.parallel(ctx, registries, opts), nil
}

func newResult() *Result {
	return &Result{
		Failed:  map[string]string{},
		Reports: map[string]*publisher.Report{},
	}
}

func (c *Controller) sequential(ctx context.Context, registries []string, opts Options) *Result {
	res := newResult()
	failed := false
	for _, name := range registries {
		if failed && !opts.ContinueOnError {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		c.collect(res, name, c.runOne(ctx, name, opts))
		if _, bad := res.Failed[name]; bad {
			failed = true
		}
	}
	return res
}

func (c *Controller) parallel(ctx context.Context, registries []string, opts Options) *Result {
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	sem := semaphore.NewWeighted(int64(limit))

	res := newResult()
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed bool
	)

	for _, name := range registries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				res.Skipped = append(res.Skipped, name)
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			// Work that has not started yet is skipped once any
			// registry fails; in-flight publishes run to completion.
			mu.Lock()
			if failed && !opts.ContinueOnError {
				res.Skipped = append(res.Skipped, name)
				mu.Unlock()
				return
			}
			mu.Unlock()

			report := c.runOne(ctx, name, opts)

			mu.Lock()
			c.collect(res, name, report)
			if _, bad := res.Failed[name]; bad {
				failed = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Strings(res.Skipped)
	return res
}

func (c *Controller) runOne(ctx context.Context, name string, opts Options) *publisher.Report {
	pubOpts := opts.Publish
	pubOpts.Registry = name
	c.logger.Info("batch publish starting", "registry", name)
	return c.run(ctx, name, pubOpts)
}

func (c *Controller) collect(res *Result, name string, report *publisher.Report) {
	res.Reports[name] = report
	if report.Success {
		res.Succeeded = append(res.Succeeded, name)
		c.logger.Info("batch publish succeeded", "registry", name, "version", report.Version)
		return
	}
	msg := "publish failed"
	if len(report.Errors) > 0 {
		msg = report.Errors[0]
	}
	res.Failed[name] = msg
	c.logger.Warn("batch publish failed", "registry", name, "error", msg)
}
