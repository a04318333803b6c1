// Package environment implements the Environment Registry: an immutable
// mapping from environment names to EnvironmentConfig, seeded at process
// start from a built-in set plus an optional plugin directory.
package environment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sandboxd/sandboxd/internal/apierrors"
)

// Category classifies an environment's purpose.
type Category string

const (
	CategoryShell   Category = "shell"
	CategoryRuntime Category = "runtime"
	CategoryVCS     Category = "vcs"
)

// Config is the immutable description of one named environment.
type Config struct {
	Name                string        `json:"name"`
	Image               string        `json:"image"`
	DefaultTimeout      time.Duration `json:"-"`
	DefaultTimeoutMs    int64         `json:"defaultTimeoutMs"`
	DefaultInitCommands []string      `json:"defaultInitCommands"`
	Category            Category      `json:"category"`
	Description         string        `json:"description"`
}

// builtins is the process-scoped default set. Real deployments extend or
// override these from a plugin directory at startup.
func builtins() []Config {
	return []Config{
		{
			Name:                "bash",
			Image:               "sandboxd/bash:latest",
			DefaultTimeout:      10 * time.Minute,
			DefaultInitCommands: nil,
			Category:            CategoryShell,
			Description:         "Plain bash shell with common CLI tools.",
		},
		{
			Name:                "python",
			Image:               "sandboxd/python:latest",
			DefaultTimeout:      15 * time.Minute,
			DefaultInitCommands: []string{"python3 -V"},
			Category:            CategoryRuntime,
			Description:         "Python 3 interpreter and a virtualenv toolchain.",
		},
		{
			Name:                "node",
			Image:               "sandboxd/node:latest",
			DefaultTimeout:      15 * time.Minute,
			DefaultInitCommands: []string{"node -v"},
			Category:            CategoryRuntime,
			Description:         "Node.js LTS runtime.",
		},
		{
			Name:                "git",
			Image:               "sandboxd/git:latest",
			DefaultTimeout:      10 * time.Minute,
			DefaultInitCommands: nil,
			Category:            CategoryVCS,
			Description:         "Git and common VCS tooling, no language runtime.",
		},
	}
}

// Registry is the immutable environment name -> Config map.
type Registry struct {
	configs map[string]Config
	names   []string
}

// New builds a Registry from the built-in set plus any *.json files found
// in pluginDir (each file describes one Config; unreadable or malformed
// files, files without a name or image, and an unreadable pluginDir are
// skipped silently rather than aborting startup; nothing is logged).
func New(pluginDir string) (*Registry, error) {
	r := &Registry{configs: make(map[string]Config)}
	for _, c := range builtins() {
		r.add(c)
	}

	if pluginDir != "" {
		entries, err := os.ReadDir(pluginDir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
					continue
				}
				data, err := os.ReadFile(filepath.Join(pluginDir, e.Name()))
				if err != nil {
					continue
				}
				var c Config
				if err := json.Unmarshal(data, &c); err != nil {
					continue
				}
				if c.DefaultTimeoutMs > 0 {
					c.DefaultTimeout = time.Duration(c.DefaultTimeoutMs) * time.Millisecond
				}
				if c.Name != "" && c.Image != "" {
					r.add(c)
				}
			}
		}
	}

	return r, nil
}

func (r *Registry) add(c Config) {
	if _, exists := r.configs[c.Name]; !exists {
		r.names = append(r.names, c.Name)
	}
	r.configs[c.Name] = c
	sort.Strings(r.names)
}

// Get resolves a single environment by name.
func (r *Registry) Get(name string) (Config, error) {
	c, ok := r.configs[name]
	if !ok {
		return Config{}, apierrors.New(apierrors.CodeInvalidConfig, fmt.Sprintf("unknown environment %q", name)).
			WithAvailableEnvironments(r.Names())
	}
	return c, nil
}

// List returns every registered Config in stable name order.
func (r *Registry) List() []Config {
	out := make([]Config, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.configs[n])
	}
	return out
}

// Names returns the registered environment names in stable order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ImageResolver is satisfied by the Container Manager; ValidateAll depends
// only on this narrow capability so the registry never imports the
// containers package directly.
type ImageResolver interface {
	HasImage(image string) (bool, error)
}

// MissingImage names one environment whose image the runtime does not know
// about.
type MissingImage struct {
	Environment string
	Image       string
}

// ValidateAll confirms every registered environment's image is known to the
// runtime, aggregating every miss into a single MissingImages error so
// startup fails closed with the complete list rather than one at a time.
func (r *Registry) ValidateAll(resolver ImageResolver) error {
	var missing []MissingImage
	for _, c := range r.List() {
		ok, err := resolver.HasImage(c.Image)
		if err != nil {
			return apierrors.Wrap(apierrors.CodeDaemonUnavailable, "image validation failed", err)
		}
		if !ok {
			missing = append(missing, MissingImage{Environment: c.Name, Image: c.Image})
		}
	}
	if len(missing) > 0 {
		msg := "missing images: "
		for i, m := range missing {
			if i > 0 {
				msg += ", "
			}
			msg += fmt.Sprintf("%s (%s)", m.Environment, m.Image)
		}
		return apierrors.New(apierrors.CodeMissingImages, msg)
	}
	return nil
}
