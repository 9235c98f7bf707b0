package models

import (
	"fmt"
	"time"
)

// IncidentSeverity captures incident impact levels.
type IncidentSeverity string

const (
	SeverityLow      IncidentSeverity = "low"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// IncidentStatus enumerates lifecycle states. Resolved and dismissed are
// terminal except for an explicit reopen.
type IncidentStatus string

const (
	StatusActive        IncidentStatus = "active"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusDismissed     IncidentStatus = "dismissed"
)

// Open reports whether the status counts as open for dedup and reconciliation.
func (s IncidentStatus) Open() bool {
	return s == StatusActive || s == StatusInvestigating
}

// Incident groups correlated signals into a tracked operational event.
// Auto-generated incidents carry a "[Anomaly] " or "[Forecast] " title prefix
// that doubles as their dedup key. Incidents are never hard-deleted.
type Incident struct {
	ID                  int64            `json:"id"`
	PublicID            string           `json:"public_id"`
	TenantID            string           `json:"tenant_id"`
	Title               string           `json:"title"`
	Description         string           `json:"description"`
	Severity            IncidentSeverity `json:"severity"`
	Status              IncidentStatus   `json:"status"`
	StartTime           time.Time        `json:"start_time"`
	EndTime             *time.Time       `json:"end_time,omitempty"`
	RelatedSignalIDs    []int64          `json:"related_signal_ids"`
	RootCauseHypothesis string           `json:"root_cause_hypothesis,omitempty"`
	RecommendedActions  string           `json:"recommended_actions,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

// IncidentAction is a lifecycle transition requested on an incident.
type IncidentAction string

const (
	ActionAcknowledge IncidentAction = "acknowledge"
	ActionResolve     IncidentAction = "resolve"
	ActionDismiss     IncidentAction = "dismiss"
	ActionReopen      IncidentAction = "reopen"
)

// TransitionError reports a lifecycle action applied in a state that does not
// accept it.
type TransitionError struct {
	Action IncidentAction
	Status IncidentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s incident in %q state", e.Action, e.Status)
}

// Apply performs a lifecycle transition in place, or returns a
// *TransitionError when the current status does not accept the action.
// Unknown actions return a plain error.
func (i *Incident) Apply(action IncidentAction, now time.Time) error {
	switch action {
	case ActionAcknowledge:
		if !i.Status.Open() {
			return &TransitionError{Action: action, Status: i.Status}
		}
		i.Status = StatusInvestigating
		i.EndTime = nil
	case ActionResolve:
		if !i.Status.Open() && i.Status != StatusResolved {
			return &TransitionError{Action: action, Status: i.Status}
		}
		i.Status = StatusResolved
		if i.EndTime == nil {
			i.EndTime = &now
		}
	case ActionDismiss:
		if !i.Status.Open() && i.Status != StatusDismissed {
			return &TransitionError{Action: action, Status: i.Status}
		}
		i.Status = StatusDismissed
		if i.EndTime == nil {
			i.EndTime = &now
		}
	case ActionReopen:
		if i.Status != StatusResolved && i.Status != StatusDismissed && i.Status != StatusActive {
			return &TransitionError{Action: action, Status: i.Status}
		}
		i.Status = StatusActive
		i.EndTime = nil
	default:
		return fmt.Errorf("unsupported incident action %q", action)
	}
	return nil
}
