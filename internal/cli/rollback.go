package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"packship/internal/command"
	"packship/internal/registry"
	"packship/internal/state"
	"packship/internal/tokens"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Withdraw a published version where the registry supports it",
	Long: `rollback asks the registry to withdraw a published version, e.g.
"cargo yank" on crates.io. Registries that cannot undo a publish (PyPI,
npm after the unpublish window) report that instead of failing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version := args[0]
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		deps := registry.Deps{
			ProjectPath: e.projectPath,
			Exec:        command.NewExecutor(),
			Creds:       tokens.FromEnv(),
		}
		plugin, err := resolvePlugin(cmd, e, deps)
		if err != nil {
			return err
		}

		if stdinIsTerminal() {
			ok, err := askYesNo(fmt.Sprintf("Withdraw version %s from %s?", version, plugin.Name()))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("rollback cancelled")
			}
		}

		res, err := plugin.Rollback(cmd.Context(), version)
		if err != nil {
			return err
		}
		if !res.Success {
			if res.Message != "" {
				fmt.Fprintln(os.Stderr, res.Message)
			}
			if res.Error != "" {
				return fmt.Errorf("rollback failed: %s", res.Error)
			}
			return fmt.Errorf("rollback is not supported by %s", plugin.Name())
		}

		markRolledBack(e.projectPath, plugin.Name(), version)
		fmt.Printf("Withdrew %s from %s", version, plugin.Name())
		if res.Message != "" {
			fmt.Printf(" (%s)", res.Message)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rollbackCmd.Flags().StringVarP(&flagRegistry, "registry", "r", "", "target registry (default: first detected)")
}

// resolvePlugin picks the target registry: the --registry flag when
// given, otherwise the first detected one.
func resolvePlugin(cmd *cobra.Command, e *env, deps registry.Deps) (registry.Plugin, error) {
	if flagRegistry != "" {
		return e.reg.New(flagRegistry, deps)
	}
	detected, err := e.reg.Detect(cmd.Context(), deps)
	if err != nil {
		return nil, err
	}
	if len(detected) == 0 {
		return nil, fmt.Errorf("no publishable registry detected in %s", e.projectPath)
	}
	return detected[0], nil
}

// markRolledBack records the rollback in the persisted publish state
// when one exists for this registry. A missing or corrupt state file is
// not an error; the registry already accepted the withdrawal.
func markRolledBack(projectPath, registryName, version string) {
	m := state.NewMachine(projectPath)
	ok, err := m.Restore()
	if err != nil || !ok || m.Data().Registry != registryName {
		return
	}
	m.Transition(state.RolledBack, map[string]string{
		"registry": registryName,
		"version":  version,
	})
}
