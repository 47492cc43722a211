// Package protocol provides gateway frame types and wire protocol definitions.
//
// Every frame exchanged with the gateway is a single JSON object carrying a
// "type" discriminator. Outbound frames are requests ("req"); inbound frames
// are responses ("res"), events ("event"), or hello acknowledgements
// ("hello-ok").
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Frame type discriminators.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
	FrameTypeHelloOK  = "hello-ok"
)

// Well-known event names.
const (
	EventAgent      = "agent"
	EventChat       = "chat"
	EventPresence   = "presence"
	EventHeartbeat  = "heartbeat"
	EventHealth     = "health"
	EventDiagnostic = "diagnostic"
	EventChallenge  = "connect.challenge"
)

// Methods the bridge issues against the gateway.
const (
	MethodConnect        = "connect"
	MethodSubscribe      = "subscribe"
	MethodSend           = "send"
	MethodHealth         = "health"
	MethodSystemPresence = "system-presence"
	MethodSessionsList   = "sessions.list"
	MethodChatHistory    = "chat.history"
	MethodCronWake       = "cron.wake"
)

// ProtocolVersion is the only protocol revision the bridge negotiates.
const ProtocolVersion = 3

// ErrorInfo carries a gateway error response. Code may arrive as a string or
// an integer on the wire; both decode into the string form.
type ErrorInfo struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// UnmarshalJSON accepts {message, code} where code is a string or a number.
func (e *ErrorInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Message = raw.Message
	if len(raw.Code) > 0 {
		var s string
		if err := json.Unmarshal(raw.Code, &s); err == nil {
			e.Code = s
		} else {
			var n int64
			if err := json.Unmarshal(raw.Code, &n); err == nil {
				e.Code = strconv.FormatInt(n, 10)
			}
		}
	}
	return nil
}

// Features lists the methods and events a gateway advertises in hello-ok.
type Features struct {
	Methods []string `json:"methods,omitempty"`
	Events  []string `json:"events,omitempty"`
}

// HelloSnapshot is the nested snapshot block some gateways place inside hello-ok.
type HelloSnapshot struct {
	Presence json.RawMessage `json:"presence,omitempty"`
	Health   json.RawMessage `json:"health,omitempty"`
}

// Frame is the inbound envelope for all gateway frames. Which fields are
// populated depends on Type.
type Frame struct {
	Type string `json:"type"`

	// event frames
	Event        string          `json:"event,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion *int64          `json:"stateVersion,omitempty"`

	// response frames (Payload is shared with event frames)
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`

	// hello-ok frames
	Presence json.RawMessage `json:"presence,omitempty"`
	Health   json.RawMessage `json:"health,omitempty"`
	Features *Features       `json:"features,omitempty"`
	Snapshot *HelloSnapshot  `json:"snapshot,omitempty"`
}

// ParseFrame decodes a single inbound frame. Frames with an unknown or missing
// type discriminator yield an error; the caller discards them.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed gateway frame: %w", err)
	}
	switch f.Type {
	case FrameTypeResponse, FrameTypeEvent, FrameTypeHelloOK:
		return &f, nil
	default:
		return nil, fmt.Errorf("unknown gateway frame type %q", f.Type)
	}
}

// ResponsePayload returns the effective body of a response frame: result when
// present, payload otherwise.
func (f *Frame) ResponsePayload() json.RawMessage {
	if len(f.Result) > 0 {
		return f.Result
	}
	return f.Payload
}

// HelloPresence returns the presence block of a hello-ok frame, preferring the
// top-level field over the nested snapshot.
func (f *Frame) HelloPresence() json.RawMessage {
	if len(f.Presence) > 0 {
		return f.Presence
	}
	if f.Snapshot != nil {
		return f.Snapshot.Presence
	}
	return nil
}

// HelloHealth returns the health block of a hello-ok frame, preferring the
// top-level field over the nested snapshot.
func (f *Frame) HelloHealth() json.RawMessage {
	if len(f.Health) > 0 {
		return f.Health
	}
	if f.Snapshot != nil {
		return f.Snapshot.Health
	}
	return nil
}

// ParseHello interprets a connect response body as a hello snapshot. Some
// gateways return the snapshot inline in the connect response instead of a
// separate hello-ok frame. Returns nil when the body carries no snapshot data.
func ParseHello(data json.RawMessage) *Frame {
	if len(data) == 0 {
		return nil
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	if f.Presence == nil && f.Health == nil && f.Features == nil && f.Snapshot == nil {
		return nil
	}
	f.Type = FrameTypeHelloOK
	return &f
}

// Request is the outbound request envelope.
type Request struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// NewRequest creates a request frame for the given method.
func NewRequest(id, method string, params interface{}) *Request {
	return &Request{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: params,
	}
}

// ClientInfo identifies the bridge to the gateway during connect.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the shared bearer token and, when the gateway issued a
// connect.challenge before the handshake, the challenge nonce.
type ConnectAuth struct {
	Token string `json:"token"`
	Nonce string `json:"nonce,omitempty"`
}

// ConnectParams is the parameter block for the connect handshake.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Auth        ConnectAuth `json:"auth"`
}

// SendParams is the parameter block for the send method.
type SendParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
}

// SubscribeParams is the parameter block for the subscribe method.
type SubscribeParams struct {
	Events []string `json:"events"`
}
