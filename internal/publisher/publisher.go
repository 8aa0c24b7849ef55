// Package publisher drives the publish workflow: detect, validate,
// dry-run, confirm, publish, verify, with resumable state in between.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"packship/internal/command"
	"packship/internal/config"
	"packship/internal/hooks"
	"packship/internal/registry"
	"packship/internal/retry"
	"packship/internal/secrets"
	"packship/internal/state"
)

// Options for a single publish run.
type Options struct {
	// Registry names the target; empty means use the first detected.
	Registry string
	// DryRunOnly stops after the simulation and reports its outcome.
	DryRunOnly bool
	// NonInteractive suppresses every prompt.
	NonInteractive bool
	// Resume continues an interrupted run from its persisted state.
	Resume bool
	// SkipHooks disables all configured hooks for this run.
	SkipHooks bool
	// HooksOnly runs detection, validation, and the pre-phase hooks,
	// then stops without publishing.
	HooksOnly bool

	OTP    string
	Tag    string
	Access string
}

// ConfirmFunc asks the user a yes/no question.
type ConfirmFunc func(prompt string) (bool, error)

// Recorder receives the final report of every run, e.g. for publish
// history.
type Recorder interface {
	Record(ctx context.Context, report *Report) error
}

// Publisher owns one project's publish workflow.
type Publisher struct {
	projectPath string
	cfg         *config.Config
	reg         *registry.Registry
	exec        command.Runner
	creds       registry.Credentials
	logger      *slog.Logger
	confirm     ConfirmFunc
	recorder    Recorder
	namespace   string
	sleepScale  float64
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithRunner substitutes the command runner, for tests.
func WithRunner(r command.Runner) Option {
	return func(p *Publisher) { p.exec = r }
}

// WithCredentials sets the token lookup.
func WithCredentials(c registry.Credentials) Option {
	return func(p *Publisher) { p.creds = c }
}

// WithConfirm sets the interactive confirmation prompt.
func WithConfirm(f ConfirmFunc) Option {
	return func(p *Publisher) { p.confirm = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithRecorder attaches a publish history sink.
func WithRecorder(r Recorder) Option {
	return func(p *Publisher) { p.recorder = r }
}

// WithStateNamespace namespaces the state file by registry, used by
// batch runs so workers never share state.
func WithStateNamespace(registry string) Option {
	return func(p *Publisher) { p.namespace = registry }
}

// withSleepScale shrinks retry delays in tests.
func withSleepScale(scale float64) Option {
	return func(p *Publisher) { p.sleepScale = scale }
}

// New builds a Publisher for the project at projectPath.
func New(projectPath string, cfg *config.Config, reg *registry.Registry, opts ...Option) *Publisher {
	p := &Publisher{
		projectPath: projectPath,
		cfg:         cfg,
		reg:         reg,
		exec:        command.NewExecutor(),
		logger:      slog.Default(),
		sleepScale:  1,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) machine() *state.Machine {
	if p.namespace != "" {
		return state.NewNamespacedMachine(p.projectPath, p.namespace)
	}
	return state.NewMachine(p.projectPath)
}

// Publish runs the workflow. It always returns a Report; errors from
// any step are folded into it rather than escaping to the caller.
func (p *Publisher) Publish(ctx context.Context, opts Options) *Report {
	start := time.Now()
	m := p.machine()
	report := &Report{}

	if err := m.Lock(); err != nil {
		if errors.Is(err, state.ErrLocked) {
			report.fail(newError(CodePublishFailed, opts.Registry, "%s", err.Error()))
		} else {
			report.fail(newError(CodeStateCorrupted, opts.Registry, "cannot lock state file: %v", err))
		}
		report.Duration = time.Since(start)
		return report
	}
	defer m.Unlock()

	report = p.run(ctx, m, opts)
	report.Duration = time.Since(start)

	if !report.Success && report.State == state.Failed {
		// A refused resume never restored state; writing FAILED here
		// would fabricate a state file (or clobber a corrupt one the
		// user may still want to inspect).
		if !opts.Resume || report.Resumed {
			errText := strings.Join(report.Errors, "; ")
			if err := m.Transition(state.Failed, map[string]string{"error": errText}); err != nil {
				p.logger.Warn("could not persist failure state", "error", err)
			}
		}
		p.runHookPhase(ctx, report, opts, hooks.PhaseOnError, p.cfg.Hooks.OnError, false)
	}

	if report.Success && report.State == state.Success {
		if err := m.Clear(); err != nil {
			report.warn(fmt.Sprintf("could not clear state file: %v", err))
		}
	}

	p.record(ctx, report)
	return report
}

// run executes the workflow steps up to the first terminal condition.
func (p *Publisher) run(ctx context.Context, m *state.Machine, opts Options) *Report {
	report := &Report{}

	if opts.Resume {
		ok, err := m.Restore()
		if err != nil {
			return report.fail(newError(CodeStateCorrupted, opts.Registry,
				"cannot resume: %v", err))
		}
		if !ok {
			return report.fail(newError(CodeStateCorrupted, opts.Registry,
				"cannot resume: no publish state found in %s", p.projectPath))
		}
		if !m.CanResume() {
			return report.fail(newError(CodeStateCorrupted, opts.Registry,
				"cannot resume from state %s", m.Current()))
		}
		report.Resumed = true
		if opts.Registry == "" {
			opts.Registry = m.Data().Registry
		}
		p.logger.Info("resuming publish", "from", m.Current(), "registry", opts.Registry)
	} else {
		if err := m.Clear(); err != nil {
			return report.fail(newError(CodeStateCorrupted, opts.Registry, "%s", err.Error()))
		}
	}

	// Detection.
	if err := m.Transition(state.Detecting, nil); err != nil {
		return report.fail(newError(CodeStateCorrupted, opts.Registry, "%s", err.Error()))
	}
	plugin, err := p.selectPlugin(ctx, opts.Registry)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return report.fail(perr)
		}
		return report.fail(newError(CodeRegistryNotDetected, opts.Registry, "%s", err.Error()))
	}
	report.Registry = plugin.Name()
	p.logger.Info("registry selected", "registry", plugin.Name())

	// Secrets gate runs before validation so nothing is uploaded, or
	// even simulated, from a leaking tree.
	if p.cfg.Security.SecretsScanning.EnabledOrDefault() {
		if perr := p.secretsGate(opts, report); perr != nil {
			return report.fail(perr)
		}
	}

	interactive := p.interactive(opts)

	// Validation.
	if err := m.Transition(state.Validating, map[string]string{"registry": plugin.Name()}); err != nil {
		return report.fail(newError(CodeStateCorrupted, plugin.Name(), "%s", err.Error()))
	}
	validation, err := plugin.Validate(ctx)
	if err != nil {
		return report.fail(newError(CodeValidationFailed, plugin.Name(), "validation error: %v", err))
	}
	report.PackageName = validation.Metadata.Name
	report.Version = validation.Metadata.Version
	for _, w := range validation.Warnings() {
		report.warn(fmt.Sprintf("%s: %s", w.Field, w.Message))
	}
	if !validation.Valid {
		perr := newError(CodeValidationFailed, plugin.Name(), "package failed validation")
		report.fail(perr)
		for _, issue := range validation.Errors() {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
		}
		return report
	}

	vars := hooks.Vars{
		Version:     validation.Metadata.Version,
		PackageName: validation.Metadata.Name,
		Registry:    plugin.Name(),
	}

	// Pre-build hooks gate the rest of the workflow.
	if !p.runHookPhase(ctx, report, opts, hooks.PhasePreBuild, p.cfg.Hooks.PreBuild, true) {
		return report
	}

	if opts.HooksOnly {
		if !p.runHookPhase(ctx, report, opts, hooks.PhasePrePublish, p.cfg.Hooks.PrePublish, true) {
			return report
		}
		report.Success = true
		report.State = m.Current()
		if err := m.Clear(); err != nil {
			report.warn(fmt.Sprintf("could not clear state file: %v", err))
		}
		return report
	}

	// Dry run.
	if p.shouldDryRun(opts) {
		if err := m.Transition(state.DryRun, nil); err != nil {
			return report.fail(newError(CodeStateCorrupted, plugin.Name(), "%s", err.Error()))
		}
		dry, err := plugin.DryRun(ctx)
		if err != nil {
			return report.fail(newError(CodePublishFailed, plugin.Name(), "dry run error: %v", err))
		}
		report.DryRun = dry
		if !dry.Success {
			perr := newError(CodePublishFailed, plugin.Name(), "dry run failed")
			report.fail(perr)
			report.Errors = append(report.Errors, dry.Errors...)
			return report
		}
		if opts.DryRunOnly {
			report.Success = true
			report.State = state.DryRun
			return report
		}
	} else if opts.DryRunOnly {
		report.Success = true
		report.State = state.DryRun
		report.warn("dry run disabled by configuration; nothing was simulated")
		return report
	}

	// Confirmation. Resumed runs already confirmed before the
	// interruption.
	if interactive && !opts.Resume && p.confirmEnabled() {
		if err := m.Transition(state.Confirming, nil); err != nil {
			return report.fail(newError(CodeStateCorrupted, plugin.Name(), "%s", err.Error()))
		}
		prompt := fmt.Sprintf("Publish %s@%s to %s?", vars.PackageName, vars.Version, plugin.Name())
		ok, err := p.confirm(prompt)
		if err != nil {
			return report.fail(newError(CodeUserCancelled, plugin.Name(), "confirmation failed: %v", err))
		}
		if !ok {
			return report.fail(newError(CodeUserCancelled, plugin.Name(), "User cancelled"))
		}
	}

	if !p.runHookPhase(ctx, report, opts, hooks.PhasePrePublish, p.cfg.Hooks.PrePublish, true) {
		return report
	}

	// Publish, with retry around transient network failures.
	if err := m.Transition(state.Publishing, nil); err != nil {
		return report.fail(newError(CodeStateCorrupted, plugin.Name(), "%s", err.Error()))
	}
	pubOpts := p.publishOptions(plugin.Name(), opts)
	result, err := p.publishWithRetry(ctx, plugin, pubOpts)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return report.fail(perr)
		}
		return report.fail(p.classifyPublishError(plugin.Name(), err))
	}
	report.Version = result.Version
	report.PackageURL = result.PackageURL
	p.logger.Info("published", "registry", plugin.Name(), "version", result.Version)

	// Verification failures downgrade to warnings; the upload already
	// happened and failing the run would just mislead.
	if p.verifyEnabled() {
		if err := m.Transition(state.Verifying, map[string]string{"version": result.Version}); err != nil {
			return report.fail(newError(CodeStateCorrupted, plugin.Name(), "%s", err.Error()))
		}
		vr, err := plugin.Verify(ctx, result.Version)
		switch {
		case err != nil:
			report.warn(fmt.Sprintf("verification error: %v", err))
		case !vr.Verified:
			report.warn(fmt.Sprintf("verification did not confirm the release: %s", vr.Error))
		default:
			if report.PackageURL == "" {
				report.PackageURL = vr.URL
			}
		}
	}

	p.runHookPhase(ctx, report, opts, hooks.PhasePostPublish, p.cfg.Hooks.PostPublish, false)

	if err := m.Transition(state.Success, map[string]string{"version": result.Version}); err != nil {
		report.warn(fmt.Sprintf("could not persist final state: %v", err))
	}
	report.Success = true
	report.State = state.Success
	return report
}

// selectPlugin resolves the target registry, either by explicit name or
// by detection order.
func (p *Publisher) selectPlugin(ctx context.Context, name string) (registry.Plugin, error) {
	deps := registry.Deps{ProjectPath: p.projectPath, Exec: p.exec, Creds: p.creds}
	if name != "" {
		plugin, err := p.reg.New(name, deps)
		if err != nil {
			return nil, newError(CodeRegistryNotDetected, name, "%s", err.Error())
		}
		ok, err := plugin.Detect(ctx)
		if err != nil {
			return nil, newError(CodeRegistryNotDetected, name, "detection error: %v", err)
		}
		if !ok {
			return nil, newError(CodeRegistryNotDetected, name,
				"project does not look publishable to %s", name)
		}
		if !p.registryEnabled(name) {
			return nil, newError(CodeRegistryNotDetected, name,
				"registry %s is disabled in the configuration", name)
		}
		return plugin, nil
	}

	detected, err := p.reg.Detect(ctx, deps)
	if err != nil {
		return nil, err
	}
	for _, plugin := range detected {
		if p.registryEnabled(plugin.Name()) {
			return plugin, nil
		}
	}
	return nil, newError(CodeRegistryNotDetected, "",
		"no publishable registry detected in %s", p.projectPath)
}

func (p *Publisher) registryEnabled(name string) bool {
	opts, ok := p.cfg.Registries[name]
	if !ok {
		return true
	}
	return opts.EnabledOrDefault()
}

// secretsGate scans the tree and decides whether the run may continue.
func (p *Publisher) secretsGate(opts Options, report *Report) *Error {
	scanner := secrets.NewScanner(p.cfg.Security.SecretsScanning.IgnorePatterns)
	scan, err := scanner.Scan(p.projectPath)
	if err != nil {
		report.warn(fmt.Sprintf("secrets scan skipped: %v", err))
		return nil
	}
	if scan.Clean() {
		return nil
	}
	for _, f := range scan.Findings {
		p.logger.Warn("potential secret",
			"file", f.File, "line", f.Line, "detector", f.Detector, "match", f.Matched)
	}
	if p.interactive(opts) {
		ok, err := p.confirm(fmt.Sprintf(
			"Found %d potential secret(s). Continue anyway?", len(scan.Findings)))
		if err != nil || !ok {
			return newError(CodeSecretsDetected, opts.Registry,
				"%d potential secret(s) detected; publish aborted", len(scan.Findings))
		}
		report.warn(fmt.Sprintf("continuing past %d potential secret(s) on user override", len(scan.Findings)))
		return nil
	}
	report.warn(fmt.Sprintf("%d potential secret(s) detected; continuing because the run is non-interactive", len(scan.Findings)))
	return nil
}

// runHookPhase runs one phase and folds its outcome into the report.
// With fatal=true a failing phase fails the run; otherwise it warns.
// It reports whether the workflow may continue.
func (p *Publisher) runHookPhase(ctx context.Context, report *Report, opts Options, phase string, cfgHooks []config.Hook, fatal bool) bool {
	if opts.SkipHooks || len(cfgHooks) == 0 {
		return true
	}
	runner := hooks.NewRunner(p.projectPath, p.exec)
	vars := hooks.Vars{
		Version:     report.Version,
		PackageName: report.PackageName,
		Registry:    report.Registry,
	}
	res := runner.RunPhase(ctx, phase, toHooks(cfgHooks), vars)
	for _, r := range res.Results {
		if r.Passed {
			p.logger.Info("hook passed", "phase", phase, "command", r.Command)
		} else {
			p.logger.Warn("hook failed", "phase", phase, "command", r.Command, "error", r.Error)
		}
	}
	if res.Passed {
		return true
	}
	failed := strings.Join(res.Failed(), ", ")
	if fatal {
		report.fail(newError(CodePublishFailed, report.Registry,
			"%s hooks failed: %s", phase, failed))
		return false
	}
	report.warn(fmt.Sprintf("%s hooks failed: %s", phase, failed))
	return true
}

func toHooks(cfgHooks []config.Hook) []hooks.Hook {
	out := make([]hooks.Hook, len(cfgHooks))
	for i, h := range cfgHooks {
		out[i] = hooks.Hook{
			Command:          h.Command,
			AllowedCommands:  h.AllowedCommands,
			Timeout:          h.Timeout,
			WorkingDirectory: h.WorkingDirectory,
		}
	}
	return out
}

func (p *Publisher) shouldDryRun(opts Options) bool {
	if opts.DryRunOnly {
		return p.cfg.Publish.DryRun != config.DryRunNever
	}
	switch p.cfg.Publish.DryRun {
	case config.DryRunNever:
		return false
	case config.DryRunAlways:
		return true
	default:
		// "first": fresh runs simulate, resumed runs already did.
		return !opts.Resume
	}
}

func (p *Publisher) interactive(opts Options) bool {
	if opts.NonInteractive || p.confirm == nil {
		return false
	}
	return p.cfg.Publish.Interactive == nil || *p.cfg.Publish.Interactive
}

func (p *Publisher) confirmEnabled() bool {
	return p.cfg.Publish.Confirm == nil || *p.cfg.Publish.Confirm
}

func (p *Publisher) verifyEnabled() bool {
	return p.cfg.Publish.Verify == nil || *p.cfg.Publish.Verify
}

// publishOptions merges run flags with per-registry config defaults.
func (p *Publisher) publishOptions(name string, opts Options) registry.PublishOptions {
	out := registry.PublishOptions{
		OTP:            opts.OTP,
		Tag:            opts.Tag,
		Access:         opts.Access,
		NonInteractive: opts.NonInteractive,
	}
	regOpts := p.cfg.Registries[name]
	if out.Tag == "" {
		out.Tag = regOpts.Tag
	}
	if out.Access == "" {
		out.Access = regOpts.Access
	}
	return out
}

func (p *Publisher) retryExecutor(name string) *retry.Executor {
	cfg := p.cfg.Publish.Retry
	opts := retry.Options{
		MaxAttempts:   cfg.MaxAttempts,
		ExtraPatterns: cfg.ExtraPatterns,
	}
	if cfg.InitialDelayMS > 0 {
		opts.InitialDelay = time.Duration(float64(cfg.InitialDelayMS)*p.sleepScale) * time.Millisecond
	} else if p.sleepScale != 1 {
		opts.InitialDelay = time.Duration(1000 * p.sleepScale * float64(time.Millisecond))
	}
	if cfg.MaxDelayMS > 0 {
		opts.MaxDelay = time.Duration(float64(cfg.MaxDelayMS)*p.sleepScale) * time.Millisecond
	} else if p.sleepScale != 1 {
		opts.MaxDelay = time.Duration(30000 * p.sleepScale * float64(time.Millisecond))
	}
	opts.OnRetry = func(attempt int, err error) error {
		// Transient-looking errors that are really auth problems will
		// never succeed on retry.
		if terminal := p.classifyAuthError(name, err); terminal != nil {
			return terminal
		}
		p.logger.Warn("publish attempt failed, retrying", "attempt", attempt, "error", err)
		return nil
	}
	return retry.New(opts)
}

// publishWithRetry wraps the plugin call so structured tool failures
// participate in the retry predicate.
func (p *Publisher) publishWithRetry(ctx context.Context, plugin registry.Plugin, opts registry.PublishOptions) (*registry.PublishResult, error) {
	exec := p.retryExecutor(plugin.Name())
	return retry.DoValue(ctx, exec, func() (*registry.PublishResult, error) {
		res, err := plugin.Publish(ctx, opts)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, errors.New(res.Error)
		}
		return res, nil
	})
}

func (p *Publisher) classifyAuthError(name string, err error) *Error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "otp") || strings.Contains(msg, "one-time pass") || strings.Contains(msg, "eotp") {
		return newError(CodeOTPRequired, name, "registry requires a one-time password: %v", err)
	}
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "authentication"} {
		if strings.Contains(msg, marker) {
			return newError(CodePublishFailed, name, "authentication failed: %v", err)
		}
	}
	return nil
}

func (p *Publisher) classifyPublishError(name string, err error) *Error {
	if terminal := p.classifyAuthError(name, err); terminal != nil {
		return terminal
	}
	return newError(CodePublishFailed, name, "%s", err.Error())
}

func (p *Publisher) record(ctx context.Context, report *Report) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(ctx, report); err != nil {
		p.logger.Warn("could not record publish history", "error", err)
	}
}
