package incidents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/signalforgehq/signal-engine/internal/anomaly"
	"github.com/signalforgehq/signal-engine/internal/models"
)

const rulePack = `
rules:
  - id: reddit-volume
    match:
      type: volume_spike
      source: reddit
    actions:
      - Check subreddit moderation queue for brigading.
  - id: any-critical
    match:
      severity: critical
    actions:
      - Page the on-call incident commander.
  - id: duplicate-action
    match:
      severity: critical
    actions:
      - Page the on-call incident commander.
`

func writeRules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rulePack), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func TestActionRulesMatching(t *testing.T) {
	rules, err := LoadActionRules(writeRules(t), nil)
	if err != nil {
		t.Fatalf("LoadActionRules: %v", err)
	}

	ev := anomaly.Event{
		Type:           anomaly.TypeVolumeSpike,
		Severity:       anomaly.SeverityCritical,
		AffectedSource: models.SourceReddit,
	}
	actions := rules.ActionsFor(ev)
	if len(actions) != 2 {
		t.Fatalf("expected 2 deduplicated actions, got %v", actions)
	}
	if actions[0] != "Check subreddit moderation queue for brigading." {
		t.Fatalf("actions[0] = %q", actions[0])
	}

	ev.AffectedSource = models.SourceNews
	ev.Severity = anomaly.SeverityHigh
	if actions := rules.ActionsFor(ev); len(actions) != 0 {
		t.Fatalf("non-matching event got actions %v", actions)
	}
}

func TestLoadActionRulesMissingFile(t *testing.T) {
	rules, err := LoadActionRules(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if rules != nil {
		t.Fatal("missing file should yield a nil engine")
	}

	rules, err = LoadActionRules("", nil)
	if err != nil || rules != nil {
		t.Fatalf("empty path should yield nil engine, got %v/%v", rules, err)
	}
}

func TestNilActionRulesMatchNothing(t *testing.T) {
	var rules *ActionRules
	if actions := rules.ActionsFor(anomaly.Event{Type: anomaly.TypeRiskSpike}); actions != nil {
		t.Fatalf("nil engine returned %v", actions)
	}
}
