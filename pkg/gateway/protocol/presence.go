package protocol

import (
	"encoding/json"
	"time"
)

// PresenceEntry describes one connected device/agent in a presence snapshot.
// The gateway emits both camelCase and snake_case spellings for the id fields;
// parsing accepts either.
type PresenceEntry struct {
	DeviceID    string   `json:"deviceId"`
	AgentID     string   `json:"agentId,omitempty"`
	SessionKey  string   `json:"sessionKey,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	ConnectedAt string   `json:"connectedAt,omitempty"`
	LastSeen    string   `json:"lastSeen,omitempty"`
}

// PresenceSnapshot is the parsed form of a presence payload.
type PresenceSnapshot struct {
	Entries    []PresenceEntry `json:"entries"`
	ObservedAt string          `json:"observedAt"`
}

// ParsePresence parses a presence payload into a snapshot. Entries without a
// deviceId are dropped. Returns nil if the payload is not an object or its
// entries field is not an array.
func ParsePresence(payload json.RawMessage) *PresenceSnapshot {
	var raw struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil || raw.Entries == nil {
		return nil
	}

	entries := make([]PresenceEntry, 0, len(raw.Entries))
	for _, rawEntry := range raw.Entries {
		var record map[string]interface{}
		if err := json.Unmarshal(rawEntry, &record); err != nil {
			continue
		}
		entry := parsePresenceEntry(record)
		if entry == nil {
			continue
		}
		entries = append(entries, *entry)
	}

	return &PresenceSnapshot{
		Entries:    entries,
		ObservedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func parsePresenceEntry(record map[string]interface{}) *PresenceEntry {
	deviceID := stringField(record, "deviceId", "device_id")
	if deviceID == "" {
		return nil
	}
	entry := &PresenceEntry{
		DeviceID:    deviceID,
		AgentID:     stringField(record, "agentId", "agent_id"),
		SessionKey:  stringField(record, "sessionKey", "session_key"),
		ConnectedAt: stringField(record, "connectedAt", "connected_at"),
		LastSeen:    stringField(record, "lastSeen", "last_seen"),
	}
	if roles := stringSliceField(record, "roles"); len(roles) > 0 {
		entry.Roles = roles
	}
	if scopes := stringSliceField(record, "scopes"); len(scopes) > 0 {
		entry.Scopes = scopes
	}
	return entry
}

func stringField(record map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if value, ok := record[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func stringSliceField(record map[string]interface{}, key string) []string {
	raw, ok := record[key].([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
