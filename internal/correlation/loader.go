package correlation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a correlation rule file. Invalid rules are a hard error
// so a bad deploy fails at startup instead of silently dropping detection
// coverage.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rule file %s contains no rules", path)
	}
	for i := range doc.Rules {
		if err := doc.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rule file %s: %w", path, err)
		}
	}
	return doc.Rules, nil
}
