// Package plugins loads custom registry definitions from Go source
// files at runtime, interpreted with yaegi. A definition file declares
// how to detect, publish, and verify a package for a registry the
// built-in set does not cover.
package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"packship/internal/registry"
)

// entryPoint is the function a definition file must export.
const entryPoint = "RegistryDefinition"

// Definition is the declarative shape returned by a plugin file.
type Definition struct {
	// Name of the registry the definition adds.
	Name string
	// ManifestFile whose presence in a project marks it publishable to
	// this registry. JSON manifests also supply name and version.
	ManifestFile string
	// PublishCommand is the full publish command line. ${VERSION} and
	// ${PACKAGE_NAME} are expanded; the first token must be an
	// allow-listed binary.
	PublishCommand string
	// DryRunCommand optionally simulates the publish.
	DryRunCommand string
	// VerifyURLTemplate optionally names an HTTP endpoint that returns
	// 200 once the version is live. Same placeholders as above.
	VerifyURLTemplate string
}

// Load evaluates a plugin definition file and returns its definition.
func Load(path string) (*Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("prepare interpreter: %w", err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, fmt.Errorf("evaluate plugin %s: %w", path, err)
	}

	v, err := i.Eval(entryPoint + "()")
	if err != nil {
		return nil, fmt.Errorf("plugin %s does not export %s(): %w", path, entryPoint, err)
	}
	raw, ok := v.Interface().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s() must return map[string]interface{}", path, entryPoint)
	}

	def := &Definition{
		Name:              stringField(raw, "name"),
		ManifestFile:      stringField(raw, "manifestFile"),
		PublishCommand:    stringField(raw, "publishCommand"),
		DryRunCommand:     stringField(raw, "dryRunCommand"),
		VerifyURLTemplate: stringField(raw, "verifyUrlTemplate"),
	}
	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	return def, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition missing name")
	}
	if d.ManifestFile == "" {
		return fmt.Errorf("definition missing manifestFile")
	}
	if strings.ContainsAny(d.ManifestFile, "/\\") {
		return fmt.Errorf("manifestFile must be a bare file name, got %q", d.ManifestFile)
	}
	if d.PublishCommand == "" {
		return fmt.Errorf("definition missing publishCommand")
	}
	return nil
}

// Register loads every plugin path and registers the resulting generic
// plugins. A broken plugin file is logged and skipped so one bad
// definition cannot take down the whole command.
func Register(reg *registry.Registry, paths []string, logger *slog.Logger) {
	for _, path := range paths {
		def, err := Load(path)
		if err != nil {
			logger.Warn("skipping custom registry plugin", "path", path, "error", err)
			continue
		}
		if reg.Known(def.Name) {
			logger.Warn("custom registry plugin shadows an existing registry; skipping",
				"path", path, "registry", def.Name)
			continue
		}
		d := def
		reg.Register(d.Name, func(deps registry.Deps) registry.Plugin {
			return newGeneric(d, deps)
		})
		logger.Info("loaded custom registry plugin", "registry", d.Name, "path", path)
	}
}
