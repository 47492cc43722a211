package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/missionctl/bridge/internal/common/errors"
)

func TestParsePayloadNormalizesAliases(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"pause", CommandPause},
		{"agent.pause", CommandPause},
		{"agent.resume", CommandResume},
		{"agent.redirect", CommandRedirect},
		{"agent.kill", CommandKill},
		{"agent.restart", CommandRestart},
		{"priority", CommandPriority},
		{"agent.priority", CommandPriority},
		{"agent.priority.override", CommandPriority},
	}
	for _, tc := range cases {
		payload, err := ParsePayload([]byte(`{"agentId":"agent_1","command":"` + tc.input + `"}`))
		require.NoError(t, err, "command %q", tc.input)
		assert.Equal(t, tc.want, payload.Command, "command %q", tc.input)
	}
}

func TestParsePayloadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"agentId":`},
		{"missing command", `{"agentId":"agent_1"}`},
		{"unknown command", `{"agentId":"agent_1","command":"explode"}`},
		{"missing targets", `{"command":"pause"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePayload([]byte(tc.body))
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestParsePayloadBulkUnwrap(t *testing.T) {
	payload, err := ParsePayload([]byte(`{
		"command": "agents.bulk",
		"agentId": "ignored",
		"params": {
			"command": "agent.pause",
			"agentIds": ["agent_a", "agent_b"],
			"requestId": "req-7",
			"params": {"sessionKey": "agent:shared:main"}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, CommandPause, payload.Command)
	assert.Equal(t, []string{"agent_a", "agent_b"}, payload.AgentIDs)
	assert.Equal(t, "req-7", payload.RequestID)
	assert.Equal(t, "agent:shared:main", payload.Params["sessionKey"])
	// Bulk agentIds replace anything on the outer payload.
	assert.Equal(t, []string{"agent_a", "agent_b"}, payload.Targets())
}

func TestParsePayloadBulkRequiresAgentIDs(t *testing.T) {
	_, err := ParsePayload([]byte(`{
		"command": "agents.bulk",
		"params": {"command": "pause"}
	}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestTargets(t *testing.T) {
	single := &Payload{AgentID: "agent_1"}
	assert.Equal(t, []string{"agent_1"}, single.Targets())

	bulk := &Payload{AgentID: "agent_1", AgentIDs: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, bulk.Targets())
}
