// Package control implements the operator HTTP control plane: parsing and
// validating control commands, translating them into gateway actions, and
// serving the health endpoint.
package control

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/missionctl/bridge/internal/common/errors"
)

// Operator commands.
const (
	CommandPause    = "pause"
	CommandResume   = "resume"
	CommandRedirect = "redirect"
	CommandKill     = "kill"
	CommandRestart  = "restart"
	CommandPriority = "priority"
)

// commandAliases maps the accepted command spellings onto the short forms.
var commandAliases = map[string]string{
	CommandPause:              CommandPause,
	CommandResume:             CommandResume,
	CommandRedirect:           CommandRedirect,
	CommandKill:               CommandKill,
	CommandRestart:            CommandRestart,
	CommandPriority:           CommandPriority,
	"agent.pause":             CommandPause,
	"agent.resume":            CommandResume,
	"agent.redirect":          CommandRedirect,
	"agent.kill":              CommandKill,
	"agent.restart":           CommandRestart,
	"agent.priority":          CommandPriority,
	"agent.priority.override": CommandPriority,
}

// commandBulk wraps another command targeting several agents.
const commandBulk = "agents.bulk"

// Payload is a parsed and validated control request.
type Payload struct {
	AgentID     string                 `json:"agentId,omitempty"`
	AgentIDs    []string               `json:"agentIds,omitempty"`
	Command     string                 `json:"command"`
	Params      map[string]interface{} `json:"params,omitempty"`
	RequestID   string                 `json:"requestId,omitempty"`
	RequestedBy string                 `json:"requestedBy,omitempty"`
}

// Targets returns the agent ids the command applies to.
func (p *Payload) Targets() []string {
	if len(p.AgentIDs) > 0 {
		return p.AgentIDs
	}
	return []string{p.AgentID}
}

// ParsePayload decodes and validates a control request body. The bulk wrapper
// is unwrapped; its agentIds take precedence over any outer ones.
func ParsePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperrors.Validation("invalid JSON body")
	}

	if strings.TrimSpace(payload.Command) == "" {
		return nil, apperrors.Validation("command is required")
	}

	if payload.Command == commandBulk {
		unwrapped, err := unwrapBulk(&payload)
		if err != nil {
			return nil, err
		}
		payload = *unwrapped
	}

	command, ok := commandAliases[payload.Command]
	if !ok {
		return nil, apperrors.Validation(fmt.Sprintf("unknown command %q", payload.Command))
	}
	payload.Command = command

	if payload.AgentID == "" && len(payload.AgentIDs) == 0 {
		return nil, apperrors.Validation("agentId or agentIds is required")
	}
	return &payload, nil
}

// unwrapBulk extracts the nested {command, agentIds, params, requestId} block
// from a bulk wrapper's params.
func unwrapBulk(outer *Payload) (*Payload, error) {
	if outer.Params == nil {
		return nil, apperrors.Validation("agents.bulk requires params")
	}

	inner := Payload{
		RequestID:   outer.RequestID,
		RequestedBy: outer.RequestedBy,
	}
	if command, ok := outer.Params["command"].(string); ok {
		inner.Command = command
	}
	if inner.Command == "" {
		return nil, apperrors.Validation("agents.bulk requires params.command")
	}
	if id, ok := outer.Params["requestId"].(string); ok && id != "" {
		inner.RequestID = id
	}
	if params, ok := outer.Params["params"].(map[string]interface{}); ok {
		inner.Params = params
	}

	ids, ok := outer.Params["agentIds"].([]interface{})
	if !ok || len(ids) == 0 {
		return nil, apperrors.Validation("agents.bulk requires params.agentIds")
	}
	for _, raw := range ids {
		if id, ok := raw.(string); ok && id != "" {
			inner.AgentIDs = append(inner.AgentIDs, id)
		}
	}
	if len(inner.AgentIDs) == 0 {
		return nil, apperrors.Validation("agents.bulk requires params.agentIds")
	}
	return &inner, nil
}
