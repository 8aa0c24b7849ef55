package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"packship/internal/command"
	"packship/internal/depcheck"
	"packship/internal/registry"
	"packship/internal/tokens"
)

var flagCheckRegistry string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Detect registries and validate the package without publishing",
	RunE: func(cmd *cobra.Command, args []string) error {
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
		var detected []registry.Plugin
		if flagCheckRegistry != "" {
			plugin, err := e.reg.New(flagCheckRegistry, deps)
			if err != nil {
				return err
			}
			detected = append(detected, plugin)
		} else {
			detected, err = e.reg.Detect(cmd.Context(), deps)
			if err != nil {
				return err
			}
		}
		if len(detected) == 0 {
			return fmt.Errorf("no publishable registry detected in %s", e.projectPath)
		}

		t := newTable(tableRow("REGISTRY", "PACKAGE", "VERSION", "SEVERITY", "FIELD", "PROBLEM"))
		invalid := 0
		for _, plugin := range detected {
			res, err := plugin.Validate(cmd.Context())
			if err != nil {
				invalid++
				t.AppendRow(tableRow(plugin.Name(), "", "", "error", "", err.Error()))
				continue
			}
			if !res.Valid {
				invalid++
			}
			if len(res.Issues) == 0 {
				t.AppendRow(tableRow(plugin.Name(), res.Metadata.Name, res.Metadata.Version, "", "", "ok"))
				continue
			}
			for _, issue := range res.Issues {
				t.AppendRow(tableRow(plugin.Name(), res.Metadata.Name, res.Metadata.Version,
					string(issue.Severity), issue.Field, issue.Message))
			}
		}
		t.Render()

		vulnerable, err := renderDependencyIssues(e.projectPath)
		if err != nil {
			return err
		}

		if invalid > 0 {
			return fmt.Errorf("%d registr(ies) failed validation", invalid)
		}
		if vulnerable > 0 {
			return fmt.Errorf("%d vulnerable dependenc(ies) found", vulnerable)
		}
		return nil
	},
}

// renderDependencyIssues analyzes declared dependencies of every
// manifest in the project and returns how many are known vulnerable.
func renderDependencyIssues(projectPath string) (int, error) {
	results, err := depcheck.Check(projectPath)
	if err != nil {
		return 0, err
	}
	vulnerable := 0
	for _, res := range results {
		fmt.Printf("%s: %d dependencies (%d dev)\n", res.Manifest, len(res.Dependencies), res.DevCount())
		if len(res.Issues) == 0 {
			continue
		}
		t := newTable(tableRow("DEPENDENCY", "SEVERITY", "PROBLEM"))
		for _, issue := range res.Issues {
			if issue.Severity == depcheck.SeverityCritical {
				vulnerable++
			}
			t.AppendRow(tableRow(issue.Dependency, string(issue.Severity), issue.Description))
		}
		t.Render()
	}
	return vulnerable, nil
}

func init() {
	checkCmd.Flags().StringVarP(&flagCheckRegistry, "registry", "r", "", "validate one registry instead of all detected")
}
