// Package safeguard loads the optional permissions.yaml overlay
// (SPEC_FULL.md SUPPLEMENTED FEATURES item 4) and narrows or widens the
// Safety Classifier's default safe-command basename list.
//
// Grounded on _examples/igoryanba-ricochet/core/internal/safeguard/config.go's
// yaml.v3-loading pattern; the Allow/Deny shape is carried over, but scoped
// down to the one concern this spec needs (command basenames), dropping the
// teacher's Files/Tools rule blocks, which have no analogue here.
package safeguard

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Overlay narrows or widens the default safe-command basename list.
// Allow adds basenames to the set the classifier treats as safe; Deny
// removes basenames from it, even if they are in the built-in default set.
// Deny always takes precedence over Allow for the same basename.
type Overlay struct {
	Commands struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	} `yaml:"commands"`
}

// Load reads <workspaceRoot>/.shellmate/permissions.yaml. A missing file is
// not an error: it returns a zero-value Overlay, which changes nothing.
func Load(workspaceRoot string) (*Overlay, error) {
	path := filepath.Join(workspaceRoot, ".shellmate", "permissions.yaml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Overlay{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions.yaml: %w", err)
	}

	var overlay Overlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse permissions.yaml: %w", err)
	}
	return &overlay, nil
}
