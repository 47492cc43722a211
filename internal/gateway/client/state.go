package client

import "time"

// ReadyState labels for the connection lifecycle.
const (
	StateIdle           = "idle"
	StateOpening        = "opening"
	StateAuthenticating = "authenticating"
	StateConnected      = "connected"
	StateReconnecting   = "reconnecting"
	StateClosed         = "closed"
)

// ConnectionState is a point-in-time view of the gateway connection.
type ConnectionState struct {
	Connected          bool       `json:"connected"`
	ReadyState         string     `json:"readyState"`
	Reconnecting       bool       `json:"reconnecting"`
	ReconnectAttempts  int        `json:"reconnectAttempts"`
	LastConnectedAt    *time.Time `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt *time.Time `json:"lastDisconnectedAt,omitempty"`
	LastError          string     `json:"lastError,omitempty"`
}
