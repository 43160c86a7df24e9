package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// AlertRule controls one monitored condition. Threshold and Enabled are
// editable at runtime.
type AlertRule struct {
	Type      types.AlertType
	Severity  types.AlertSeverity
	Threshold float64
	Enabled   bool
}

func defaultRules() map[types.AlertType]*AlertRule {
	return map[types.AlertType]*AlertRule{
		types.AlertNodeDown:           {Type: types.AlertNodeDown, Severity: types.SeverityError, Enabled: true},
		types.AlertNodeDegraded:       {Type: types.AlertNodeDegraded, Severity: types.SeverityWarning, Enabled: true},
		types.AlertHighReplicationLag: {Type: types.AlertHighReplicationLag, Severity: types.SeverityWarning, Threshold: 30, Enabled: true},
		types.AlertResourceHigh:       {Type: types.AlertResourceHigh, Severity: types.SeverityWarning, Threshold: 90, Enabled: true},
		types.AlertSplitBrain:         {Type: types.AlertSplitBrain, Severity: types.SeverityCritical, Enabled: true},
		types.AlertNoQuorum:           {Type: types.AlertNoQuorum, Severity: types.SeverityCritical, Enabled: true},
		types.AlertLeaderChange:       {Type: types.AlertLeaderChange, Severity: types.SeverityInfo, Enabled: true},
		types.AlertSecurityEvent:      {Type: types.AlertSecurityEvent, Severity: types.SeverityError, Enabled: true},
	}
}

// AlertManager maintains at most one unresolved alert per (type, scope)
// key. Alerts are persisted to cluster_alerts and mirrored in an active
// set for fast dedup.
type AlertManager struct {
	store  storage.Store
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*types.ClusterAlert
	rules  map[types.AlertType]*AlertRule
}

// NewAlertManager creates an alert manager with the default rule table
func NewAlertManager(store storage.Store) *AlertManager {
	return &AlertManager{
		store:  store,
		logger: log.WithComponent("alerts"),
		active: make(map[string]*types.ClusterAlert),
		rules:  defaultRules(),
	}
}

// Rule returns the rule for an alert type
func (am *AlertManager) Rule(t types.AlertType) *AlertRule {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.rules[t]
}

// SetRule edits a rule's threshold and enabled flag at runtime
func (am *AlertManager) SetRule(t types.AlertType, threshold float64, enabled bool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if rule, ok := am.rules[t]; ok {
		rule.Threshold = threshold
		rule.Enabled = enabled
	}
}

// Raise creates an alert unless one with the same (type, scope) key is
// already active; re-raising is a no-op. severity overrides the rule
// default when non-empty.
func (am *AlertManager) Raise(t types.AlertType, scope, title, message string, severity types.AlertSeverity) *types.ClusterAlert {
	am.mu.Lock()
	defer am.mu.Unlock()

	rule, ok := am.rules[t]
	if ok && !rule.Enabled {
		return nil
	}

	id := types.AlertID(t, scope)
	if existing, ok := am.active[id]; ok {
		return existing
	}

	if severity == "" {
		severity = types.SeverityWarning
		if ok {
			severity = rule.Severity
		}
	}

	nodeID := scope
	if nodeID == types.ClusterScope {
		nodeID = ""
	}
	alert := &types.ClusterAlert{
		ID:        id,
		Type:      t,
		Severity:  severity,
		Title:     title,
		Message:   message,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
	}
	am.active[id] = alert
	am.persist(alert)

	am.logger.Warn().Str("alert", id).Str("severity", string(severity)).Msg(message)
	return alert
}

// Resolve marks the alert with the given (type, scope) key resolved and
// removes it from the active set
func (am *AlertManager) Resolve(t types.AlertType, scope string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	id := types.AlertID(t, scope)
	alert, ok := am.active[id]
	if !ok {
		return
	}
	delete(am.active, id)

	now := time.Now().UTC()
	alert.Resolved = true
	alert.ResolvedAt = &now
	am.persist(alert)

	am.logger.Info().Str("alert", id).Msg("alert resolved")
}

// Active returns a snapshot of unresolved alerts
func (am *AlertManager) Active() []*types.ClusterAlert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]*types.ClusterAlert, 0, len(am.active))
	for _, a := range am.active {
		alerts = append(alerts, a)
	}
	return alerts
}

// IsActive reports whether the (type, scope) alert is currently raised
func (am *AlertManager) IsActive(t types.AlertType, scope string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()
	_, ok := am.active[types.AlertID(t, scope)]
	return ok
}

func (am *AlertManager) persist(alert *types.ClusterAlert) {
	doc, err := storage.Encode(alert)
	if err == nil {
		err = am.store.Upsert(types.CollectionClusterAlerts, doc)
	}
	if err != nil {
		am.logger.Error().Err(err).Str("alert", alert.ID).Msg("failed to persist alert")
	}
}
