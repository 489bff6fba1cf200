package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamSpec documents one parameter a plugin accepts
type ParamSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
}

// Metadata describes a plugin for discovery: the free-text-to-task parser
// matches keywords and example prompts against user input. Manifests are
// static YAML files beside the plugin code, read without executing anything.
type Metadata struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Keywords    []string    `yaml:"keywords" json:"keywords"`
	Examples    []string    `yaml:"examples" json:"examples"`
	Params      []ParamSpec `yaml:"params" json:"params"`
}

// LoadManifests reads every *.yaml/*.yml manifest in the given directories.
// All directories are consulted; a missing directory is skipped, a malformed
// manifest is an error naming the file.
func LoadManifests(dirs ...string) ([]Metadata, error) {
	var out []Metadata
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read plugin dir %s: %w", dir, err)
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}

			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
			}

			var m Metadata
			if err := yaml.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
			}
			if m.Name == "" {
				m.Name = strings.TrimSuffix(e.Name(), ext)
			}
			out = append(out, m)
		}
	}
	return out, nil
}
