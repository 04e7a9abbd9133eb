package phi

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// ruleFile is the on-disk shape of an operator rules file:
//
//	rules:
//	  - name: ward
//	    pattern: 'Ward:[ \t]*\w+'
//	    replacement: 'Ward: *ward*'
//	  - name: bed
//	    pattern: 'Bed ([A-Z]\d+)'
//	    replacement: '*bed*'
//	    group: 1
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Group       int    `yaml:"group"`
}

// LoadRules reads additional redaction rules from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates YAML rule definitions. A replacement that
// would itself be recognised as a protected field is rejected, since the
// redacted output could then never verify.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	seen := make(map[string]bool, len(f.Rules))
	for i, spec := range f.Rules {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("rule %q: duplicate name", name)
		}
		seen[name] = true

		if spec.Pattern == "" {
			return nil, fmt.Errorf("rule %q: pattern is required", name)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: compile pattern: %w", name, err)
		}
		if spec.Group < 0 || spec.Group > re.NumSubexp() {
			return nil, fmt.Errorf("rule %q: group %d out of range (pattern has %d)", name, spec.Group, re.NumSubexp())
		}
		if spec.Replacement == "" {
			return nil, fmt.Errorf("rule %q: replacement is required", name)
		}
		if residual := Extract(spec.Replacement); !residual.Empty() {
			return nil, fmt.Errorf("rule %q: replacement contains a protected value", name)
		}

		rules = append(rules, Rule{
			Name:        name,
			Pattern:     re,
			Replacement: spec.Replacement,
			Group:       spec.Group,
		})
	}
	return rules, nil
}
