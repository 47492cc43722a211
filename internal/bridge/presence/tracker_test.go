package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/missionctl/bridge/pkg/api/v1"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]v1.AgentStatusUpdate
	err     error
}

func (f *fakeSink) UpdateAgentStatuses(ctx context.Context, updates []v1.AgentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, updates)
	return f.err
}

func (f *fakeSink) all() []v1.AgentStatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	var flat []v1.AgentStatusUpdate
	for _, batch := range f.batches {
		flat = append(flat, batch...)
	}
	return flat
}

func (f *fakeSink) statusesFor(agentID string) []string {
	var statuses []string
	for _, update := range f.all() {
		if update.AgentID == agentID {
			statuses = append(statuses, update.Status)
		}
	}
	return statuses
}

func (f *fakeSink) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = nil
}

func newTestTracker(sink *fakeSink) (*Tracker, *time.Time) {
	tracker := New(sink, map[string]string{"alpha": "agent_alpha"}, 2*time.Minute, nil)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func snapshotFor(agentIDs ...string) *protocol.PresenceSnapshot {
	entries := make([]protocol.PresenceEntry, 0, len(agentIDs))
	for _, id := range agentIDs {
		entries = append(entries, protocol.PresenceEntry{
			DeviceID:   "dev-" + id,
			AgentID:    id,
			SessionKey: "agent:" + id + ":main",
		})
	}
	return &protocol.PresenceSnapshot{Entries: entries}
}

func TestNormalizeID(t *testing.T) {
	aliases := map[string]string{"alpha": "agent_alpha"}

	assert.Equal(t, "agent_alpha", NormalizeID(aliases, "alpha"))
	assert.Equal(t, "beta", NormalizeID(aliases, "agent:beta:main"))
	assert.Equal(t, "gamma", NormalizeID(aliases, " gamma "))
	assert.Equal(t, "", NormalizeID(aliases, ""))
}

func TestAgentIDFromSessionKey(t *testing.T) {
	assert.Equal(t, "agent_a", AgentIDFromSessionKey("agent:agent_a:main"))
	assert.Equal(t, "", AgentIDFromSessionKey("agent:norole"))
	assert.Equal(t, "", AgentIDFromSessionKey("something-else"))
}

func TestSnapshotParsesMixedSpellings(t *testing.T) {
	payload := json.RawMessage(`{"entries":[
		{"deviceId":"dev1","agentId":"agent1","sessionKey":"agent:agent1:main"},
		{"deviceId":"dev2","agent_id":"agent2","session_key":"agent:agent2:main"}
	]}`)

	snapshot := protocol.ParsePresence(payload)
	require.NotNil(t, snapshot)
	require.Len(t, snapshot.Entries, 2)

	sink := &fakeSink{}
	tracker, _ := newTestTracker(sink)
	tracker.HandleSnapshot(context.Background(), snapshot)

	assert.Equal(t, []string{v1.AgentStatusOnline}, sink.statusesFor("agent1"))
	assert.Equal(t, []string{v1.AgentStatusOnline}, sink.statusesFor("agent2"))
}

func TestSnapshotDiffPostsOfflineExactlyOnce(t *testing.T) {
	sink := &fakeSink{}
	tracker, _ := newTestTracker(sink)
	ctx := context.Background()

	tracker.HandleSnapshot(ctx, snapshotFor("agent_a", "agent_b"))
	assert.Equal(t, []string{v1.AgentStatusOnline}, sink.statusesFor("agent_a"))
	assert.Equal(t, []string{v1.AgentStatusOnline}, sink.statusesFor("agent_b"))

	sink.reset()
	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	assert.Equal(t, []string{v1.AgentStatusOnline}, sink.statusesFor("agent_a"))
	assert.Equal(t, []string{v1.AgentStatusOffline}, sink.statusesFor("agent_b"))

	// The vanished agent must not go offline again on the next snapshot.
	sink.reset()
	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	assert.Empty(t, sink.statusesFor("agent_b"))
}

func TestStatusPrecedence(t *testing.T) {
	sink := &fakeSink{}
	tracker, now := newTestTracker(sink)
	ctx := context.Background()

	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))

	// Paused wins over everything.
	tracker.Pause(ctx, "agent_a", "")
	sink.reset()
	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	assert.Equal(t, []string{v1.AgentStatusPaused}, sink.statusesFor("agent_a"))

	// Activity clears the pause and promotes to busy.
	tracker.TrackActivity("agent_a", "agent:agent_a:main", *now)
	sink.reset()
	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	assert.Equal(t, []string{v1.AgentStatusBusy}, sink.statusesFor("agent_a"))

	// Busy decays to online once the activity window passes.
	*now = now.Add(3 * time.Minute)
	sink.reset()
	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	assert.Equal(t, []string{v1.AgentStatusOnline}, sink.statusesFor("agent_a"))
}

func TestPauseSurvivesSnapshots(t *testing.T) {
	sink := &fakeSink{}
	tracker, _ := newTestTracker(sink)
	ctx := context.Background()

	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	tracker.Pause(ctx, "agent_a", "agent:agent_a:main")

	sink.reset()
	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	assert.Equal(t,
		[]string{v1.AgentStatusPaused, v1.AgentStatusPaused},
		sink.statusesFor("agent_a"))
}

func TestHandleDisconnectMarksFleetOffline(t *testing.T) {
	sink := &fakeSink{}
	tracker, _ := newTestTracker(sink)
	ctx := context.Background()

	tracker.HandleSnapshot(ctx, snapshotFor("agent_a", "agent_b"))
	sink.reset()
	tracker.HandleDisconnect(ctx)

	updates := sink.all()
	require.Len(t, updates, 2)
	for _, update := range updates {
		assert.Equal(t, v1.AgentStatusOffline, update.Status)
		assert.Equal(t, "gateway_disconnected", update.SessionInfo["reason"])
	}
	assert.Empty(t, tracker.Agents())
}

func TestMarkBusyClearsPause(t *testing.T) {
	sink := &fakeSink{}
	tracker, _ := newTestTracker(sink)
	ctx := context.Background()

	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	tracker.Pause(ctx, "agent_a", "")
	tracker.MarkBusy(ctx, "agent_a", "agent:agent_a:main")

	assert.Equal(t, v1.AgentStatusBusy, tracker.Status("agent_a"))
}

func TestMarkOfflineForgetsAgent(t *testing.T) {
	sink := &fakeSink{}
	tracker, _ := newTestTracker(sink)
	ctx := context.Background()

	tracker.HandleSnapshot(ctx, snapshotFor("agent_a"))
	tracker.Pause(ctx, "agent_a", "")
	sink.reset()
	tracker.MarkOffline(ctx, "agent_a")

	assert.Equal(t, []string{v1.AgentStatusOffline}, sink.statusesFor("agent_a"))
	assert.Equal(t, v1.AgentStatusOffline, tracker.Status("agent_a"))
	assert.Empty(t, tracker.Agents())
}

func TestStatusForUntrackedAgent(t *testing.T) {
	sink := &fakeSink{}
	tracker, _ := newTestTracker(sink)
	assert.Equal(t, v1.AgentStatusOffline, tracker.Status("agent_unknown"))
}
