package incidents

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalforgehq/signal-engine/internal/anomaly"
)

// ActionRules appends operator-defined recommended actions to auto-generated
// incidents. Rules are optional; a nil engine matches nothing.
type ActionRules struct {
	rules  []ActionRule
	logger *slog.Logger
}

// ActionRule is a single rule. All non-empty match fields must hold.
type ActionRule struct {
	ID      string          `yaml:"id"`
	Match   ActionRuleMatch `yaml:"match"`
	Actions []string        `yaml:"actions"`
}

// ActionRuleMatch selects the anomaly events a rule applies to.
type ActionRuleMatch struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source"`
	Severity string `yaml:"severity"`
}

type actionRulesFile struct {
	Rules []ActionRule `yaml:"rules"`
}

// LoadActionRules reads the rule pack from path. An empty path or a missing
// file yields a nil engine, which is valid and matches nothing.
func LoadActionRules(path string, logger *slog.Logger) (*ActionRules, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg actionRulesFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionRules{rules: cfg.Rules, logger: logger}, nil
}

// ActionsFor returns the deduplicated actions of every rule matching the
// event, in rule order.
func (r *ActionRules) ActionsFor(event anomaly.Event) []string {
	if r == nil {
		return nil
	}
	var matched []string
	seen := make(map[string]struct{})
	for _, rule := range r.rules {
		if rule.Match.Type != "" && !strings.EqualFold(rule.Match.Type, event.Type) {
			continue
		}
		if rule.Match.Source != "" && !strings.EqualFold(rule.Match.Source, string(event.AffectedSource)) {
			continue
		}
		if rule.Match.Severity != "" && !strings.EqualFold(rule.Match.Severity, event.Severity) {
			continue
		}
		for _, action := range rule.Actions {
			if action == "" {
				continue
			}
			if _, ok := seen[action]; ok {
				continue
			}
			seen[action] = struct{}{}
			matched = append(matched, action)
		}
	}
	return matched
}
