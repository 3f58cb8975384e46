// Package docker discovers compose-managed workloads and drives their
// lifecycle through the docker CLI.
package docker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/engels74/stacksave/internal/logging"
)

// ComposeFile describes one discovered compose-managed stack.
// Definitions are immutable for the duration of a run.
type ComposeFile struct {
	Path     string
	Priority bool
	Services []string // Parsed service names, diagnostics only
}

// composeFileNames are the file names recognized during discovery.
var composeFileNames = map[string]struct{}{
	"compose.yaml":        {},
	"compose.yml":         {},
	"docker-compose.yaml": {},
	"docker-compose.yml":  {},
}

// Registry discovers compose files below a stacks directory.
type Registry struct {
	logger       *logging.Logger
	stacksDir    string
	priorityPath string

	readFile func(string) ([]byte, error)
}

// NewRegistry creates a registry scanning stacksDir. priorityPath, when
// non-empty, marks the compose file whose stack is restarted before
// archive verification.
func NewRegistry(logger *logging.Logger, stacksDir, priorityPath string) *Registry {
	return &Registry{
		logger:       logger,
		stacksDir:    stacksDir,
		priorityPath: filepath.Clean(priorityPath),
		readFile:     os.ReadFile,
	}
}

// Discover walks the stacks directory and returns the priority stack (nil
// when not configured or not found) and the remaining stacks in
// deterministic path order.
func (r *Registry) Discover() (*ComposeFile, []ComposeFile, error) {
	var paths []string

	err := filepath.WalkDir(r.stacksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := composeFileNames[d.Name()]; ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan stacks directory %s: %w", r.stacksDir, err)
	}

	sort.Strings(paths)

	var priority *ComposeFile
	var others []ComposeFile

	for _, path := range paths {
		cf := ComposeFile{
			Path:     path,
			Services: r.parseServices(path),
		}
		if r.priorityPath != "." && filepath.Clean(path) == r.priorityPath {
			cf.Priority = true
			priority = &cf
			continue
		}
		others = append(others, cf)
	}

	if r.priorityPath != "." && priority == nil {
		r.logger.Warning("Priority compose file %s not found under %s", r.priorityPath, r.stacksDir)
	}

	r.logger.Debug("Discovered %d compose file(s) under %s (priority: %v)",
		len(paths), r.stacksDir, priority != nil)

	return priority, others, nil
}

// parseServices extracts service names from a compose file. Malformed
// YAML is a warning, never fatal: docker compose itself is the authority
// on what the file means.
func (r *Registry) parseServices(path string) []string {
	data, err := r.readFile(path)
	if err != nil {
		r.logger.Warning("Cannot read compose file %s: %v", path, err)
		return nil
	}

	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		r.logger.Warning("Cannot parse compose file %s: %v", path, err)
		return nil
	}

	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
