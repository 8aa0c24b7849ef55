package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"packship/internal/batch"
	"packship/internal/publisher"
	"packship/internal/tokens"
)

var (
	flagRegistry        string
	flagRegistries      []string
	flagDryRun          bool
	flagNonInteractive  bool
	flagResume          bool
	flagOTP             string
	flagTag             string
	flagAccess          string
	flagSkipHooks       bool
	flagHooksOnly       bool
	flagSequential      bool
	flagContinueOnError bool
	flagMaxConcurrency  int
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the package to one or more registries",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()
		e.openHistory()

		opts := publisher.Options{
			Registry:       flagRegistry,
			DryRunOnly:     flagDryRun,
			NonInteractive: flagNonInteractive || !stdinIsTerminal(),
			Resume:         flagResume,
			SkipHooks:      flagSkipHooks,
			HooksOnly:      flagHooksOnly,
			OTP:            flagOTP,
			Tag:            flagTag,
			Access:         flagAccess,
		}

		if len(flagRegistries) > 0 {
			return runBatch(cmd, e, opts)
		}
		return runSingle(cmd, e, opts)
	},
}

func init() {
	publishCmd.Flags().StringVarP(&flagRegistry, "registry", "r", "", "target registry (default: first detected)")
	publishCmd.Flags().StringSliceVar(&flagRegistries, "registries", nil, "publish to several registries in one batch")
	publishCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "simulate only; publish nothing")
	publishCmd.Flags().BoolVar(&flagNonInteractive, "non-interactive", false, "never prompt")
	publishCmd.Flags().BoolVar(&flagResume, "resume", false, "continue an interrupted publish")
	publishCmd.Flags().StringVar(&flagOTP, "otp", "", "one-time password for registries that require it")
	publishCmd.Flags().StringVar(&flagTag, "tag", "", "distribution tag (npm)")
	publishCmd.Flags().StringVar(&flagAccess, "access", "", "package access: public or restricted (npm)")
	publishCmd.Flags().BoolVar(&flagSkipHooks, "skip-hooks", false, "skip all configured hooks")
	publishCmd.Flags().BoolVar(&flagHooksOnly, "hooks-only", false, "run pre-phase hooks and stop before publishing")
	publishCmd.Flags().BoolVar(&flagSequential, "sequential", false, "batch: publish registries one at a time")
	publishCmd.Flags().BoolVar(&flagContinueOnError, "continue-on-error", false, "batch: keep going after a registry fails")
	publishCmd.Flags().IntVar(&flagMaxConcurrency, "max-concurrency", batch.DefaultMaxConcurrency, "batch: parallel publish limit")
}

func runSingle(cmd *cobra.Command, e *env, opts publisher.Options) error {
	pubOpts := []publisher.Option{
		publisher.WithCredentials(tokens.FromEnv()),
		publisher.WithConfirm(askYesNo),
	}
	if e.history != nil {
		pubOpts = append(pubOpts, publisher.WithRecorder(e.history))
	}
	p := publisher.New(e.projectPath, e.cfg, e.reg, pubOpts...)
	report := p.Publish(cmd.Context(), opts)
	renderReport(report)
	if !report.Success {
		return fmt.Errorf("publish failed (%s)", report.Code)
	}
	return nil
}

func runBatch(cmd *cobra.Command, e *env, opts publisher.Options) error {
	for _, name := range flagRegistries {
		if !e.reg.Known(name) {
			return fmt.Errorf("unknown registry %q (known: %v)", name, e.reg.Names())
		}
	}
	creds := tokens.FromEnv()
	run := func(ctx context.Context, name string, pubOpts publisher.Options) *publisher.Report {
		perRegistry := []publisher.Option{
			publisher.WithCredentials(creds),
			publisher.WithStateNamespace(name),
		}
		if e.history != nil {
			perRegistry = append(perRegistry, publisher.WithRecorder(e.history))
		}
		p := publisher.New(e.projectPath, e.cfg, e.reg, perRegistry...)
		return p.Publish(ctx, pubOpts)
	}

	controller := batch.New(run, slog.Default())
	result, err := controller.PublishAll(cmd.Context(), flagRegistries, batch.Options{
		Sequential:      flagSequential,
		ContinueOnError: flagContinueOnError,
		MaxConcurrency:  flagMaxConcurrency,
		Publish:         opts,
	})
	if err != nil {
		return err
	}
	renderBatch(result)
	if !result.Success() {
		return fmt.Errorf("batch publish failed for %d registr(ies)", len(result.Failed)+len(result.Skipped))
	}
	return nil
}

func renderReport(r *publisher.Report) {
	if r.Success {
		switch {
		case r.DryRun != nil && r.State == "DRY_RUN":
			fmt.Printf("Dry run passed for %s@%s on %s\n", r.PackageName, r.Version, r.Registry)
		default:
			fmt.Printf("Published %s@%s to %s", r.PackageName, r.Version, r.Registry)
			if r.PackageURL != "" {
				fmt.Printf(" (%s)", r.PackageURL)
			}
			fmt.Println()
		}
	} else {
		fmt.Fprintf(os.Stderr, "Publish failed in state %s\n", r.State)
		for _, e := range r.Errors {
			fmt.Fprintln(os.Stderr, "  error:", e)
		}
		for _, action := range publisher.SuggestedActions(r.Code) {
			fmt.Fprintln(os.Stderr, "  try:", action)
		}
	}
	for _, w := range r.Warnings {
		fmt.Fprintln(os.Stderr, "  warning:", w)
	}
}

func renderBatch(res *batch.Result) {
	t := newTable(tableRow("REGISTRY", "RESULT", "VERSION", "DETAIL"))
	names := make([]string, 0, len(res.Reports))
	for name := range res.Reports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rep := res.Reports[name]
		if rep.Success {
			t.AppendRow(tableRow(name, "ok", rep.Version, rep.PackageURL))
		} else {
			t.AppendRow(tableRow(name, "failed", rep.Version, res.Failed[name]))
		}
	}
	for _, name := range res.Skipped {
		t.AppendRow(tableRow(name, "skipped", "", "earlier registry failed"))
	}
	t.Render()
}

func tableRow(cells ...any) table.Row { return table.Row(cells) }
