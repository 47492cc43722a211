// Package events converts raw gateway frames into canonical bridge events and
// derives higher-level events (tool calls, reasoning traces, token usage,
// session lifecycle, errors, memory operations, diagnostics) from agent frames.
package events

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	v1 "github.com/missionctl/bridge/pkg/api/v1"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

// Canonical event types.
const (
	TypeSessionStart    = "session_start"
	TypeSessionEnd      = "session_end"
	TypeToolCall        = "tool_call"
	TypeToolResult      = "tool_result"
	TypeThinking        = "thinking"
	TypeError           = "error"
	TypeTokenUsage      = "token_usage"
	TypeMemoryOperation = "memory_operation"
	TypeDiagnostic      = "diagnostic"
)

// Tool/derived status values.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// AgentUnknown and AgentSystem are the fallback agent ids for events whose
// payload carries no agent identity and for bridge-internal events.
const (
	AgentUnknown = "unknown"
	AgentSystem  = "system"
)

type eventAlias struct {
	eventType    string
	injectStatus string
}

// eventAliases maps the spellings different gateway versions emit onto the
// canonical event types. Canonical names map to themselves so normalization
// is idempotent.
var eventAliases = map[string]eventAlias{
	"session.start":       {TypeSessionStart, ""},
	"session_start":       {TypeSessionStart, ""},
	"session.end":         {TypeSessionEnd, ""},
	"session_end":         {TypeSessionEnd, ""},
	"tool.call":           {TypeToolCall, StatusStarted},
	"tool.call.start":     {TypeToolCall, StatusStarted},
	"tool_call.started":   {TypeToolCall, StatusStarted},
	"tool_call_start":     {TypeToolCall, StatusStarted},
	"tool_call":           {TypeToolCall, StatusStarted},
	"tool.call.end":       {TypeToolResult, StatusCompleted},
	"tool_call.completed": {TypeToolResult, StatusCompleted},
	"tool.result":         {TypeToolResult, StatusCompleted},
	"tool_result":         {TypeToolResult, StatusCompleted},
	"tool.call.error":     {TypeToolResult, StatusFailed},
	"tool_call.failed":    {TypeToolResult, StatusFailed},
	"memory.operation":    {TypeMemoryOperation, ""},
	"memory_operation":    {TypeMemoryOperation, ""},
	"agent.thinking":      {TypeThinking, ""},
	"agent.reasoning":     {TypeThinking, ""},
	"reasoning":           {TypeThinking, ""},
	"thinking":            {TypeThinking, ""},
}

// NormalizeEventType maps a gateway event name to its canonical type. The
// second result is a status to inject into the payload when the alias implies
// one (e.g. tool.call.error implies status=failed) and the payload has none.
func NormalizeEventType(event string) (string, string) {
	if alias, ok := eventAliases[event]; ok {
		return alias.eventType, alias.injectStatus
	}
	return event, ""
}

// Normalizer turns gateway frames into bridge events and stamps every locally
// generated event with a strictly increasing sequence.
type Normalizer struct {
	seq atomic.Int64
}

// NewNormalizer creates a normalizer with the local sequence at zero.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NextSequence allocates the next local sequence number.
func (n *Normalizer) NextSequence() int64 {
	return n.seq.Add(1)
}

// observeSequence raises the local counter to at least seq, so locally
// generated sequences stay monotone after inheriting a gateway seq.
func (n *Normalizer) observeSequence(seq int64) {
	for {
		current := n.seq.Load()
		if seq <= current || n.seq.CompareAndSwap(current, seq) {
			return
		}
	}
}

// Primary converts a gateway event frame into its primary bridge event. It
// also returns the decoded payload record (nil when the payload is not an
// object) for use by the deriver.
func (n *Normalizer) Primary(frame *protocol.Frame) (v1.BridgeEvent, map[string]interface{}) {
	var payload interface{}
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &payload)
	}
	record := asRecord(payload)

	eventType, injectStatus := NormalizeEventType(frame.Event)
	if injectStatus != "" && record != nil && stringValue(record, "status") == "" {
		record["status"] = injectStatus
	}

	event := v1.BridgeEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		AgentID:   AgentUnknown,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	if record != nil {
		if id := stringValue(record, "eventId", "event_id"); id != "" {
			event.EventID = id
		}
		if ts := stringValue(record, "timestamp", "createdAt"); ts != "" {
			event.Timestamp = ts
		}
		if agentID := stringValue(record, "agentId", "agent_id", "deviceId", "runId", "sessionKey"); agentID != "" {
			event.AgentID = agentID
		}
		event.SessionKey = stringValue(record, "sessionKey", "session_key", "sessionId")
		event.RunID = stringValue(record, "runId", "run_id")
	}

	// Presence frames describe the whole fleet, not one agent.
	if frame.Event == protocol.EventPresence {
		event.AgentID = AgentSystem
	}

	if frame.Seq != nil {
		event.Sequence = *frame.Seq
		n.observeSequence(*frame.Seq)
	} else {
		event.Sequence = n.NextSequence()
	}

	return event, record
}

// Synthetic creates a bridge-internal event (initial sync, resync) attributed
// to the system agent.
func (n *Normalizer) Synthetic(eventType string, payload interface{}) v1.BridgeEvent {
	return v1.BridgeEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		AgentID:   AgentSystem,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sequence:  n.NextSequence(),
		Payload:   payload,
	}
}
