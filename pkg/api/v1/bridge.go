// Package v1 contains the API types exchanged between the bridge and the
// state store.
package v1

// Agent status values.
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
	AgentStatusBusy    = "busy"
	AgentStatusPaused  = "paused"
)

// BridgeEvent is one normalized or derived event delivered to the state store.
// EventID is unique per event; Sequence is monotone non-decreasing within a
// bridge instance.
type BridgeEvent struct {
	EventID         string      `json:"eventId"`
	EventType       string      `json:"eventType"`
	AgentID         string      `json:"agentId"`
	SessionKey      string      `json:"sessionKey,omitempty"`
	Timestamp       string      `json:"timestamp"`
	Sequence        int64       `json:"sequence"`
	Payload         interface{} `json:"payload"`
	SourceEventID   string      `json:"sourceEventId,omitempty"`
	SourceEventType string      `json:"sourceEventType,omitempty"`
	RunID           string      `json:"runId,omitempty"`
}

// AgentStatusUpdate is one materialized per-agent status posted to the store.
type AgentStatusUpdate struct {
	AgentID     string                 `json:"agentId"`
	Status      string                 `json:"status"`
	LastSeen    int64                  `json:"lastSeen"` // epoch ms
	SessionInfo map[string]interface{} `json:"sessionInfo,omitempty"`
}

// AgentMetadata is one agent registry record synced to the store on connect.
type AgentMetadata struct {
	AgentID     string   `json:"agentId"`
	SessionKey  string   `json:"sessionKey,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	ConnectedAt string   `json:"connectedAt,omitempty"`
}

// PendingNotification is one undelivered message returned by the store.
type PendingNotification struct {
	ID            string `json:"id"`
	RecipientID   string `json:"recipientId"`
	RecipientType string `json:"recipientType"`
	Message       string `json:"message"`
	LastAttemptAt int64  `json:"lastAttemptAt,omitempty"` // epoch ms, 0 = never attempted
}
