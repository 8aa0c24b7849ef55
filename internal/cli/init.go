package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"packship/internal/config"
)

var flagInitForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file into the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectPath, err := filepath.Abs(flagProject)
		if err != nil {
			return err
		}
		path, err := scaffoldConfig(projectPath, flagInitForce)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Edit it, then run `packship check` to validate the project.")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "overwrite an existing config file")
}

const starterConfig = `version: "1"

registries:
  npm:
    enabled: true
    # tag: latest
    # access: public
  crates.io:
    enabled: true
  pypi:
    enabled: true
  homebrew:
    enabled: false
    # tap: owner/homebrew-tap

publish:
  # first | always | never
  dryRun: first
  confirm: true
  verify: true
  retry:
    maxAttempts: 3
    initialDelayMs: 1000
    maxDelayMs: 30000

security:
  secretsScanning:
    enabled: true
    # ignorePatterns:
    #   - fixtures/*

# hooks:
#   preBuild:
#     - command: npm run build
#       allowedCommands:
#         - npm run build
`

// scaffoldConfig writes the starter config and returns its path. An
// existing config file is never overwritten unless force is set.
func scaffoldConfig(projectPath string, force bool) (string, error) {
	if info, err := os.Stat(projectPath); err != nil || !info.IsDir() {
		return "", fmt.Errorf("project directory %s does not exist", projectPath)
	}
	path := filepath.Join(projectPath, config.DefaultFileNames[0])
	if !force {
		for _, name := range config.DefaultFileNames {
			existing := filepath.Join(projectPath, name)
			if _, err := os.Stat(existing); err == nil {
				return "", fmt.Errorf("%s already exists (use --force to overwrite)", existing)
			}
		}
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
