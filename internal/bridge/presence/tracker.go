// Package presence materializes per-agent status from gateway presence
// snapshots, recent event activity, and operator pause commands.
package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/bridge/internal/common/logger"
	v1 "github.com/missionctl/bridge/pkg/api/v1"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

// StatusSink receives materialized status updates. Satisfied by the state
// store client.
type StatusSink interface {
	UpdateAgentStatuses(ctx context.Context, updates []v1.AgentStatusUpdate) error
}

type activity struct {
	lastActivity time.Time
	sessionKey   string
}

// Tracker holds the presence state machine. Status precedence per agent is
// paused over busy over online; busy decays to online once the busy window
// passes without activity. Agents leaving the presence snapshot go offline
// exactly once.
type Tracker struct {
	mu             sync.Mutex
	presenceAgents map[string]string // agent id -> session key ("" when unknown)
	recentActivity map[string]activity
	pausedAgents   map[string]struct{}

	aliases    map[string]string
	busyWindow time.Duration
	sink       StatusSink
	logger     *logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a tracker. aliases maps raw gateway agent names to canonical
// ids and may be nil.
func New(sink StatusSink, aliases map[string]string, busyWindow time.Duration, log *logger.Logger) *Tracker {
	if busyWindow <= 0 {
		busyWindow = 2 * time.Minute
	}
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		presenceAgents: make(map[string]string),
		recentActivity: make(map[string]activity),
		pausedAgents:   make(map[string]struct{}),
		aliases:        aliases,
		busyWindow:     busyWindow,
		sink:           sink,
		logger:         log.WithFields(zap.String("component", "presence_tracker")),
		now:            time.Now,
	}
}

// NormalizeAgentID maps a raw gateway identifier to its canonical agent id.
func (t *Tracker) NormalizeAgentID(raw string) string {
	return NormalizeID(t.aliases, raw)
}

// NormalizeID resolves a raw gateway identifier: configured aliases first,
// then the agent:<id>:<rest> session key shape, otherwise the trimmed input.
func NormalizeID(aliases map[string]string, raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}
	if alias, ok := aliases[id]; ok {
		return alias
	}
	if fromKey := AgentIDFromSessionKey(id); fromKey != "" {
		return fromKey
	}
	return id
}

// AgentIDFromSessionKey extracts the agent id from an agent:<id>:<rest>
// session key, or returns "".
func AgentIDFromSessionKey(sessionKey string) string {
	if !strings.HasPrefix(sessionKey, "agent:") {
		return ""
	}
	rest := sessionKey[len("agent:"):]
	if idx := strings.Index(rest, ":"); idx > 0 {
		return rest[:idx]
	}
	return ""
}

// HandleSnapshot diffs a presence snapshot against the tracked fleet: agents
// present get their resolved status posted, agents that vanished go offline.
func (t *Tracker) HandleSnapshot(ctx context.Context, snapshot *protocol.PresenceSnapshot) {
	if snapshot == nil {
		return
	}
	now := t.now()

	t.mu.Lock()
	current := make(map[string]string, len(snapshot.Entries))
	for _, entry := range snapshot.Entries {
		agentID := t.agentIDForEntry(entry)
		if agentID == "" {
			continue
		}
		if _, seen := current[agentID]; !seen || entry.SessionKey != "" {
			current[agentID] = entry.SessionKey
		}
	}

	updates := make([]v1.AgentStatusUpdate, 0, len(current)+len(t.presenceAgents))
	for agentID, sessionKey := range current {
		updates = append(updates, t.statusUpdateLocked(agentID, sessionKey, now))
	}
	for agentID := range t.presenceAgents {
		if _, still := current[agentID]; still {
			continue
		}
		updates = append(updates, v1.AgentStatusUpdate{
			AgentID:  agentID,
			Status:   v1.AgentStatusOffline,
			LastSeen: now.UnixMilli(),
		})
	}
	t.presenceAgents = current
	t.mu.Unlock()

	t.post(ctx, updates)
}

// HandleDisconnect marks every tracked agent offline. Called when the
// gateway connection drops; the next snapshot rebuilds the fleet.
func (t *Tracker) HandleDisconnect(ctx context.Context) {
	now := t.now()

	t.mu.Lock()
	updates := make([]v1.AgentStatusUpdate, 0, len(t.presenceAgents))
	for agentID := range t.presenceAgents {
		updates = append(updates, v1.AgentStatusUpdate{
			AgentID:     agentID,
			Status:      v1.AgentStatusOffline,
			LastSeen:    now.UnixMilli(),
			SessionInfo: map[string]interface{}{"reason": "gateway_disconnected"},
		})
	}
	t.presenceAgents = make(map[string]string)
	t.mu.Unlock()

	t.post(ctx, updates)
}

// TrackActivity records agent activity from an event. Activity clears a
// pause, since output from the agent means it resumed.
func (t *Tracker) TrackActivity(rawAgentID, sessionKey string, at time.Time) {
	agentID := t.NormalizeAgentID(rawAgentID)
	if agentID == "" {
		return
	}
	if at.IsZero() {
		at = t.now()
	}

	t.mu.Lock()
	prev := t.recentActivity[agentID]
	if at.After(prev.lastActivity) {
		entry := activity{lastActivity: at, sessionKey: prev.sessionKey}
		if sessionKey != "" {
			entry.sessionKey = sessionKey
		}
		t.recentActivity[agentID] = entry
	}
	delete(t.pausedAgents, agentID)
	t.mu.Unlock()
}

// Pause marks the agent paused and posts the status.
func (t *Tracker) Pause(ctx context.Context, rawAgentID, sessionKey string) {
	agentID := t.NormalizeAgentID(rawAgentID)
	if agentID == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	t.pausedAgents[agentID] = struct{}{}
	update := v1.AgentStatusUpdate{
		AgentID:  agentID,
		Status:   v1.AgentStatusPaused,
		LastSeen: now.UnixMilli(),
	}
	if sessionKey == "" {
		sessionKey = t.sessionKeyLocked(agentID)
	}
	if sessionKey != "" {
		update.SessionInfo = map[string]interface{}{"sessionKey": sessionKey}
	}
	t.mu.Unlock()

	t.post(ctx, []v1.AgentStatusUpdate{update})
}

// MarkBusy clears any pause and posts a busy status. Used when an operator
// resumes, redirects, or restarts an agent.
func (t *Tracker) MarkBusy(ctx context.Context, rawAgentID, sessionKey string) {
	agentID := t.NormalizeAgentID(rawAgentID)
	if agentID == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	delete(t.pausedAgents, agentID)
	prev := t.recentActivity[agentID]
	entry := activity{lastActivity: now, sessionKey: prev.sessionKey}
	if sessionKey != "" {
		entry.sessionKey = sessionKey
	}
	t.recentActivity[agentID] = entry
	update := v1.AgentStatusUpdate{
		AgentID:  agentID,
		Status:   v1.AgentStatusBusy,
		LastSeen: now.UnixMilli(),
	}
	if entry.sessionKey != "" {
		update.SessionInfo = map[string]interface{}{"sessionKey": entry.sessionKey}
	}
	t.mu.Unlock()

	t.post(ctx, []v1.AgentStatusUpdate{update})
}

// MarkOffline posts an offline status for one agent. Used after a kill.
func (t *Tracker) MarkOffline(ctx context.Context, rawAgentID string) {
	agentID := t.NormalizeAgentID(rawAgentID)
	if agentID == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	delete(t.pausedAgents, agentID)
	delete(t.recentActivity, agentID)
	delete(t.presenceAgents, agentID)
	t.mu.Unlock()

	t.post(ctx, []v1.AgentStatusUpdate{{
		AgentID:  agentID,
		Status:   v1.AgentStatusOffline,
		LastSeen: now.UnixMilli(),
	}})
}

// Status resolves the current status for an agent without posting anything.
func (t *Tracker) Status(rawAgentID string) string {
	agentID := t.NormalizeAgentID(rawAgentID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, present := t.presenceAgents[agentID]; !present {
		if _, paused := t.pausedAgents[agentID]; !paused {
			return v1.AgentStatusOffline
		}
	}
	return t.resolveLocked(agentID, t.now())
}

// SessionKey returns the best-known session key for an agent, preferring the
// live presence entry over recent activity.
func (t *Tracker) SessionKey(rawAgentID string) string {
	agentID := t.NormalizeAgentID(rawAgentID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionKeyLocked(agentID)
}

// Agents returns the agent ids currently present on the gateway.
func (t *Tracker) Agents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	agents := make([]string, 0, len(t.presenceAgents))
	for agentID := range t.presenceAgents {
		agents = append(agents, agentID)
	}
	return agents
}

func (t *Tracker) agentIDForEntry(entry protocol.PresenceEntry) string {
	if id := AgentIDFromSessionKey(entry.SessionKey); id != "" {
		return t.NormalizeAgentID(id)
	}
	if entry.AgentID != "" {
		return t.NormalizeAgentID(entry.AgentID)
	}
	return t.NormalizeAgentID(entry.DeviceID)
}

func (t *Tracker) statusUpdateLocked(agentID, sessionKey string, now time.Time) v1.AgentStatusUpdate {
	update := v1.AgentStatusUpdate{
		AgentID:  agentID,
		Status:   t.resolveLocked(agentID, now),
		LastSeen: now.UnixMilli(),
	}
	if sessionKey == "" {
		sessionKey = t.recentActivity[agentID].sessionKey
	}
	if sessionKey != "" {
		update.SessionInfo = map[string]interface{}{"sessionKey": sessionKey}
	}
	return update
}

func (t *Tracker) resolveLocked(agentID string, now time.Time) string {
	if _, paused := t.pausedAgents[agentID]; paused {
		return v1.AgentStatusPaused
	}
	if entry, ok := t.recentActivity[agentID]; ok && now.Sub(entry.lastActivity) < t.busyWindow {
		return v1.AgentStatusBusy
	}
	return v1.AgentStatusOnline
}

func (t *Tracker) sessionKeyLocked(agentID string) string {
	if key := t.presenceAgents[agentID]; key != "" {
		return key
	}
	return t.recentActivity[agentID].sessionKey
}

func (t *Tracker) post(ctx context.Context, updates []v1.AgentStatusUpdate) {
	if len(updates) == 0 || t.sink == nil {
		return
	}
	if err := t.sink.UpdateAgentStatuses(ctx, updates); err != nil {
		t.logger.WithError(err).Warn("failed to post agent status updates",
			zap.Int("count", len(updates)))
	}
}
