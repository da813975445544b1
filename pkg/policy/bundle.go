package policy

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// EngineVersion is the guard's policy-engine compatibility version,
// checked against each bundle's min_engine_version.
const EngineVersion = "1.4.0"

// Bundle is a YAML policy bundle descriptor: named rule sets for the
// embedded CEL engine plus compatibility metadata.
type Bundle struct {
	Name             string              `yaml:"name"`
	Version          string              `yaml:"version"`
	MinEngineVersion string              `yaml:"min_engine_version"`
	Rules            map[string][]string `yaml:"rules"` // policy path -> CEL expressions
}

// LoadBundle reads and validates a bundle file. A bundle requiring a newer
// engine than EngineVersion is refused outright.
func LoadBundle(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle: %w", err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("policy: parse bundle: %w", err)
	}
	if bundle.Name == "" {
		return nil, fmt.Errorf("policy: bundle is missing a name")
	}

	if bundle.MinEngineVersion != "" {
		required, err := semver.NewConstraint(">= " + bundle.MinEngineVersion)
		if err != nil {
			return nil, fmt.Errorf("policy: bundle %s has invalid min_engine_version %q: %w",
				bundle.Name, bundle.MinEngineVersion, err)
		}
		current := semver.MustParse(EngineVersion)
		if !required.Check(current) {
			return nil, fmt.Errorf("policy: bundle %s requires engine >= %s, running %s",
				bundle.Name, bundle.MinEngineVersion, EngineVersion)
		}
	}

	return &bundle, nil
}

// Engine builds a CEL decision point from the bundle's rule sets.
func (b *Bundle) Engine() (*CELEngine, error) {
	return NewCELEngine(b.Rules)
}
