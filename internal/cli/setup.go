package cli

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"packship/internal/analytics"
	"packship/internal/config"
	"packship/internal/plugins"
	"packship/internal/registry"
	"packship/internal/registry/brewreg"
	"packship/internal/registry/cargoreg"
	"packship/internal/registry/npmreg"
	"packship/internal/registry/pypireg"
)

// env bundles everything a command needs about the current project.
type env struct {
	projectPath string
	cfg         *config.Config
	reg         *registry.Registry
	history     *analytics.Store
}

// setup resolves the project, loads config, validates it, and builds
// the registry set including any custom plugin definitions.
func setup() (*env, error) {
	projectPath, err := filepath.Abs(flagProject)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(projectPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project directory %s does not exist", projectPath)
	}

	var cfg *config.Config
	if flagConfig != "" {
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
	} else {
		var path string
		cfg, path, err = config.Discover(projectPath)
		if err != nil {
			return nil, err
		}
		if path != "" {
			slog.Debug("loaded config", "path", path)
		}
	}

	reg := registry.NewRegistry()
	reg.Register(npmreg.Name, npmreg.New)
	reg.Register(cargoreg.Name, cargoreg.New)
	reg.Register(pypireg.Name, pypireg.New)
	reg.Register(brewreg.Name, brewreg.New)

	var pluginPaths []string
	for _, ref := range cfg.Plugins {
		path := ref.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectPath, path)
		}
		pluginPaths = append(pluginPaths, path)
	}
	plugins.Register(reg, pluginPaths, slog.Default())

	if errs := config.Validate(cfg, reg.Names()); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e.Error())
		}
		return nil, fmt.Errorf("configuration has %d error(s)", len(errs))
	}

	return &env{projectPath: projectPath, cfg: cfg, reg: reg}, nil
}

// openHistory attaches the publish history database; failure is logged
// and tolerated so a broken history file never blocks a publish.
func (e *env) openHistory() {
	store, err := analytics.Open(analytics.DefaultPath(e.projectPath))
	if err != nil {
		slog.Warn("publish history unavailable", "error", err)
		return
	}
	e.history = store
}

func (e *env) close() {
	if e.history != nil {
		e.history.Close()
	}
}

// stdinIsTerminal reports whether prompts can reach a human.
func stdinIsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// askYesNo prompts on the terminal and reads a y/n answer.
func askYesNo(prompt string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
