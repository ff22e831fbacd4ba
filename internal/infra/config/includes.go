package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxIncludeDepth bounds nested includes so a cycle that slips past the
// visited set still terminates.
const maxIncludeDepth = 10

// expandIncludes overlays every file named by cfg.Includes onto cfg, in
// order, resolving relative patterns against baseDir. Included files may
// themselves include further files.
func expandIncludes(cfg *Config, baseDir string) error {
	ld := &includeLoader{visited: make(map[string]bool)}
	return ld.expand(cfg, baseDir, 0)
}

type includeLoader struct {
	visited map[string]bool // absolute paths already merged
}

func (ld *includeLoader) expand(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: nesting deeper than %d levels", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := ld.resolve(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := ld.merge(cfg, p, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolve turns one include pattern into the list of files it names.
// Patterns must stay inside the config directory; a glob that matches
// nothing is not an error, a literal path that matches nothing is.
func (ld *includeLoader) resolve(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: %q escapes the config directory", pattern)
	}

	isGlob := strings.ContainsAny(pattern, "*?[")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: bad pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 && !isGlob {
		return []string{pattern}, nil // literal path; merge reports not-found
	}
	return matches, nil
}

func (ld *includeLoader) merge(cfg *Config, path string, depth int) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config includes: resolve %q: %w", path, err)
	}
	if ld.visited[abs] {
		return fmt.Errorf("config includes: %q included twice (cycle?)", abs)
	}
	ld.visited[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(data) == 0 {
		return nil
	}

	// Unmarshal overlays onto the existing cfg; later includes win.
	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}

	if len(cfg.Includes) > 0 {
		return ld.expand(cfg, filepath.Dir(abs), depth+1)
	}
	return nil
}
