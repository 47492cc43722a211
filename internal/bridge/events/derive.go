package events

import (
	"strings"

	"github.com/google/uuid"

	v1 "github.com/missionctl/bridge/pkg/api/v1"
)

// Payload slots scanned for embedded tool activity.
var toolSlots = []string{
	"tool", "toolCall", "tool_call", "toolResult", "tool_result",
	"toolCalls", "tool_calls", "toolResults", "tool_results",
}

// Payload slots scanned for session lifecycle entries.
var sessionSlots = []string{
	"session", "sessionEvent", "session_event", "sessionInfo",
	"sessionMetrics", "sessionLifecycle",
}

// Payload slots scanned for memory operations.
var memorySlots = []string{
	"memoryOperation", "memoryOperations", "memory_operation",
	"memory_operations", "memoryEvent", "memoryEvents", "memoryOps", "memory",
}

var errorDetailKeys = []string{"message", "stack", "code", "severity", "recoverable", "context"}

// Derive synthesizes secondary bridge events from a primary event's payload.
// Tool, thinking, error, token, session and memory derivations apply only to
// agent frames; diagnostics are extracted from every frame. Each derived
// event gets a fresh event id and local sequence and points back at the
// primary via sourceEventId/sourceEventType.
func (n *Normalizer) Derive(rawEvent string, primary v1.BridgeEvent, payload map[string]interface{}) []v1.BridgeEvent {
	if payload == nil {
		return nil
	}
	d := &deriver{
		n:        n,
		primary:  primary,
		payload:  payload,
		delta:    asRecord(payload["delta"]),
		summary:  asRecord(payload["summary"]),
		toolSeen: make(map[string]bool),
	}

	if rawEvent == "agent" {
		d.deriveTools()
		d.deriveThinking()
		d.deriveError()
		d.deriveTokenUsage()
		d.deriveSessions()
		d.deriveMemoryOperations()
	}
	d.deriveDiagnostics()

	return d.out
}

type deriver struct {
	n        *Normalizer
	primary  v1.BridgeEvent
	payload  map[string]interface{}
	delta    map[string]interface{}
	summary  map[string]interface{}
	toolSeen map[string]bool
	out      []v1.BridgeEvent
}

func (d *deriver) emit(eventType string, fields map[string]interface{}, sessionKey string) {
	if sessionKey == "" {
		sessionKey = d.primary.SessionKey
	}
	d.out = append(d.out, v1.BridgeEvent{
		EventID:         uuid.New().String(),
		EventType:       eventType,
		AgentID:         d.primary.AgentID,
		SessionKey:      sessionKey,
		Timestamp:       d.primary.Timestamp,
		Sequence:        d.n.NextSequence(),
		Payload:         fields,
		SourceEventID:   d.primary.EventID,
		SourceEventType: d.primary.EventType,
		RunID:           d.primary.RunID,
	})
}

// --- Rule 1: tool events ---

func (d *deriver) deriveTools() {
	if d.delta != nil {
		switch stringValue(d.delta, "type") {
		case "tool_call":
			d.emitTool(TypeToolCall, d.delta)
		case "tool_result":
			d.emitTool(TypeToolResult, d.delta)
		}
	}

	for _, slot := range toolSlots {
		value, ok := d.payload[slot]
		if !ok || value == nil {
			continue
		}
		for _, entry := range flattenRecords(value, "entries", "items", "calls", "results") {
			d.emitTool(classifyToolEntry(slot, entry), entry)
		}
	}
}

// classifyToolEntry decides whether an embedded tool record is a call or a
// result: explicit type first, then status, then which side of the exchange
// it carries, finally the slot name it was found under.
func classifyToolEntry(slot string, entry map[string]interface{}) string {
	switch stringValue(entry, "type") {
	case "tool_call", "call":
		return TypeToolCall
	case "tool_result", "result":
		return TypeToolResult
	}
	switch normalizeToolStatus(stringValue(entry, "status")) {
	case StatusCompleted, StatusFailed:
		return TypeToolResult
	case StatusStarted:
		return TypeToolCall
	}
	if hasAnyKey(entry, "toolOutput", "tool_output", "output") {
		return TypeToolResult
	}
	if hasAnyKey(entry, "toolInput", "tool_input", "input") {
		return TypeToolCall
	}
	if strings.Contains(strings.ToLower(slot), "result") {
		return TypeToolResult
	}
	return TypeToolCall
}

func (d *deriver) emitTool(eventType string, source map[string]interface{}) {
	fields := map[string]interface{}{}
	copyFields(fields, source,
		[]string{"toolName", "tool_name", "name"},
		[]string{"toolCallId", "tool_call_id", "callId", "id"},
		[]string{"toolInput", "tool_input", "input", "arguments"},
		[]string{"durationMs", "duration_ms"},
		[]string{"error"},
		[]string{"stack"},
	)
	if eventType == TypeToolResult {
		copyFields(fields, source, []string{"toolOutput", "tool_output", "output"})
	}
	// Fields absent from the tool record fall back to the enclosing payload.
	copyFields(fields, d.payload,
		[]string{"toolName", "tool_name"},
		[]string{"toolCallId", "tool_call_id"},
	)

	status := normalizeToolStatus(stringValue(source, "status"))
	if status == "" {
		if eventType == TypeToolResult {
			status = StatusCompleted
		} else {
			status = StatusStarted
		}
	}
	fields["status"] = status

	identity, _ := fields["toolCallId"].(string)
	if identity == "" {
		identity, _ = fields["toolName"].(string)
	}
	dedupKey := eventType + "|" + identity + "|" + status
	if d.toolSeen[dedupKey] {
		return
	}
	d.toolSeen[dedupKey] = true

	d.emit(eventType, fields, "")
}

// normalizeToolStatus folds the status spellings different agents emit into
// started/completed/failed. Unknown values pass through lowercased.
func normalizeToolStatus(status string) string {
	switch strings.ToLower(status) {
	case "":
		return ""
	case "started", "starting", "start", "streaming", "running", "in_progress", "pending":
		return StatusStarted
	case "completed", "complete", "success", "succeeded", "done", "end", "finished":
		return StatusCompleted
	case "failed", "failure", "error", "errored":
		return StatusFailed
	default:
		return strings.ToLower(status)
	}
}

// --- Rule 2: thinking events ---

func (d *deriver) deriveThinking() {
	deltaType := stringValue(d.delta, "type")
	status := stringValue(d.payload, "status")

	text, found := anyValue(d.delta, "thinking", "thought", "reasoning", "analysis")
	if !found {
		text, found = anyValue(d.payload, "thinking", "thought", "reasoning", "analysis")
	}

	triggered := deltaType == "thinking" || deltaType == "reasoning" ||
		found ||
		(status == StatusStarted && d.delta == nil)
	if !triggered {
		return
	}

	fields := map[string]interface{}{}
	if status != "" {
		fields["status"] = status
	}
	if found {
		fields["thinking"] = text
	}
	if phase := stringValue(d.payload, "phase"); phase != "" {
		fields["phase"] = phase
	} else if phase := stringValue(d.delta, "phase"); phase != "" {
		fields["phase"] = phase
	}
	if confidence, ok := numberValue(d.payload, "confidence"); ok {
		fields["confidence"] = confidence
	} else if confidence, ok := numberValue(d.delta, "confidence"); ok {
		fields["confidence"] = confidence
	}

	d.emit(TypeThinking, fields, "")
}

// --- Rule 3: error events ---

func (d *deriver) deriveError() {
	status := stringValue(d.payload, "status")

	var detail map[string]interface{}
	for _, slot := range []map[string]interface{}{
		asRecord(d.payload["error"]),
		asRecord(d.payload["exception"]),
		d.delta,
	} {
		if slot != nil && hasAnyKey(slot, errorDetailKeys...) {
			detail = slot
			break
		}
	}

	triggered := status == "error" || normalizeToolStatus(status) == StatusFailed || detail != nil
	if !triggered {
		return
	}

	fields := map[string]interface{}{}
	if status != "" {
		fields["status"] = status
	}
	if detail != nil {
		copyFields(fields, detail,
			[]string{"message"},
			[]string{"stack"},
			[]string{"code"},
			[]string{"severity"},
			[]string{"recoverable"},
			[]string{"context"},
		)
	} else if errText, ok := d.payload["error"].(string); ok && errText != "" {
		fields["message"] = errText
	}

	d.emit(TypeError, fields, "")
}

// --- Rule 4: token usage ---

var tokenFieldKeys = [][]string{
	{"inputTokens", "input_tokens"},
	{"outputTokens", "output_tokens"},
	{"totalTokens", "total_tokens"},
	{"cacheReadTokens", "cache_read_tokens"},
	{"cacheWriteTokens", "cache_write_tokens"},
	{"durationMs", "duration_ms"},
	{"costUsd", "cost_usd"},
	{"model"},
}

func (d *deriver) deriveTokenUsage() {
	fields := map[string]interface{}{}
	copyFields(fields, d.payload, tokenFieldKeys...)
	if d.summary != nil {
		copyFields(fields, d.summary, tokenFieldKeys...)
	}
	if len(fields) == 0 {
		return
	}

	if _, hasTotal := fields["totalTokens"]; !hasTotal {
		input, hasInput := numberValue(fields, "inputTokens")
		output, hasOutput := numberValue(fields, "outputTokens")
		if hasInput && hasOutput {
			fields["totalTokens"] = input + output
		}
	}

	d.emit(TypeTokenUsage, fields, "")
}

// --- Rule 5: session lifecycle ---

var sessionStartHints = []string{"start", "begin", "resume", "open"}
var sessionEndHints = []string{"end", "stop", "close", "finish", "complete", "terminate"}

func (d *deriver) deriveSessions() {
	for _, slot := range sessionSlots {
		value, ok := d.payload[slot]
		if !ok || value == nil {
			continue
		}
		for _, entry := range flattenRecords(value, "entries", "items", "events") {
			eventType := classifySessionEntry(entry)
			if eventType == "" {
				continue
			}
			sessionKey := stringValue(entry, "sessionKey", "session_key", "sessionId")
			d.emit(eventType, entry, sessionKey)
		}
	}
}

// classifySessionEntry maps a session record to session_start/session_end
// using its lifecycle hints, falling back to which boundary timestamp it
// carries. Records with neither are skipped.
func classifySessionEntry(entry map[string]interface{}) string {
	hint := strings.ToLower(stringValue(entry, "event", "eventType", "type", "status", "state", "phase"))
	if hint != "" {
		for _, word := range sessionStartHints {
			if strings.Contains(hint, word) {
				return TypeSessionStart
			}
		}
		for _, word := range sessionEndHints {
			if strings.Contains(hint, word) {
				return TypeSessionEnd
			}
		}
	}
	if hasAnyKey(entry, "endedAt", "ended_at", "endTime", "end_time") {
		return TypeSessionEnd
	}
	if hasAnyKey(entry, "startedAt", "started_at", "startTime", "start_time") {
		return TypeSessionStart
	}
	return ""
}

// --- Rule 6: memory operations ---

func (d *deriver) deriveMemoryOperations() {
	for _, slot := range memorySlots {
		value, ok := d.payload[slot]
		if !ok || value == nil {
			continue
		}
		for _, entry := range flattenRecords(value, "entries", "events", "items", "operations") {
			if !isMemoryOperation(entry) {
				continue
			}
			d.emit(TypeMemoryOperation, entry, "")
		}
	}
}

func isMemoryOperation(entry map[string]interface{}) bool {
	if hasAnyKey(entry, "operation", "op", "action") {
		return true
	}
	if hasAnyKey(entry, "success", "ok") {
		return true
	}
	kind := strings.ToLower(stringValue(entry, "eventType", "type"))
	return strings.Contains(kind, "memory")
}

// --- Rule 7: diagnostics ---

func (d *deriver) deriveDiagnostics() {
	for _, entry := range ExtractDiagnostics(d.payload, d.delta) {
		d.emit(TypeDiagnostic, entry, "")
	}
}

// ExtractDiagnostics pulls diagnostic records out of a payload and its delta.
// It is a pure function so alternate extraction strategies can be tested in
// isolation.
func ExtractDiagnostics(payload, delta map[string]interface{}) []map[string]interface{} {
	var result []map[string]interface{}
	for _, source := range []map[string]interface{}{payload, delta} {
		if source == nil {
			continue
		}
		for _, slot := range []string{"diagnostic", "diagnostics"} {
			value, ok := source[slot]
			if !ok || value == nil {
				continue
			}
			result = append(result, flattenRecords(value, "entries", "items")...)
		}
	}
	return result
}
