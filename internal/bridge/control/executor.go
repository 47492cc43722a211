package control

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/missionctl/bridge/internal/common/errors"
	"github.com/missionctl/bridge/internal/common/logger"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

// Gateway is the slice of the gateway client the executor needs.
type Gateway interface {
	Send(ctx context.Context, sessionKey, message string) error
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// StatusTracker receives the status side-effects of executed commands.
// Satisfied by the presence tracker.
type StatusTracker interface {
	Pause(ctx context.Context, agentID, sessionKey string)
	MarkBusy(ctx context.Context, agentID, sessionKey string)
}

// Executor translates control commands into gateway actions.
type Executor struct {
	gateway Gateway
	tracker StatusTracker
	logger  *logger.Logger
}

// NewExecutor creates an executor. tracker may be nil when status
// side-effects are not wanted.
func NewExecutor(gateway Gateway, tracker StatusTracker, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		gateway: gateway,
		tracker: tracker,
		logger:  log.WithFields(zap.String("component", "control_executor")),
	}
}

// Execute runs the command against every target agent. Bulk targets fan out
// in parallel; the call succeeds only when every per-agent execution does.
func (e *Executor) Execute(ctx context.Context, payload *Payload) error {
	targets := payload.Targets()
	if len(targets) == 1 {
		return e.executeOne(ctx, targets[0], payload)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range targets {
		agentID := agentID
		g.Go(func() error {
			return e.executeOne(gctx, agentID, payload)
		})
	}
	return g.Wait()
}

func (e *Executor) executeOne(ctx context.Context, agentID string, payload *Payload) error {
	sessionKey := stringParam(payload.Params, "sessionKey")
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:main", agentID)
	}

	log := e.logger.WithAgentID(agentID).WithSessionKey(sessionKey)
	log.Info("executing control command", zap.String("command", payload.Command))

	var err error
	switch payload.Command {
	case CommandPause:
		err = e.gateway.Send(ctx, sessionKey, "/stop")
	case CommandResume:
		err = e.resume(ctx, payload)
	case CommandRedirect:
		err = e.redirect(ctx, sessionKey, payload)
	case CommandKill:
		if err = e.gateway.Send(ctx, sessionKey, "/stop"); err == nil {
			err = e.gateway.Send(ctx, sessionKey, "/reset")
		}
	case CommandRestart:
		err = e.gateway.Send(ctx, sessionKey, "/new")
	case CommandPriority:
		err = e.priority(ctx, sessionKey, payload)
	default:
		err = apperrors.Validation(fmt.Sprintf("unknown command %q", payload.Command))
	}
	if err != nil {
		log.WithError(err).Warn("control command failed")
		return err
	}

	e.applyStatus(ctx, agentID, sessionKey, payload.Command)
	return nil
}

func (e *Executor) resume(ctx context.Context, payload *Payload) error {
	text := stringParam(payload.Params, "text")
	if text == "" {
		text = stringParam(payload.Params, "message")
	}
	if text == "" {
		text = "Resume work"
	}
	_, err := e.gateway.Request(ctx, protocol.MethodCronWake, map[string]interface{}{
		"text": text,
		"mode": "now",
	})
	return err
}

func (e *Executor) redirect(ctx context.Context, sessionKey string, payload *Payload) error {
	if task, ok := anyParam(payload.Params, "taskPayload", "text", "message", "task"); ok {
		message, ok := task.(string)
		if !ok {
			encoded, err := json.Marshal(task)
			if err != nil {
				return apperrors.Validation("redirect task payload is not serializable")
			}
			message = string(encoded)
		}
		return e.gateway.Send(ctx, sessionKey, message)
	}

	taskID := stringParam(payload.Params, "taskId")
	if taskID == "" {
		return apperrors.Validation("Missing task payload")
	}
	task := map[string]interface{}{"taskId": taskID}
	if priority, ok := payload.Params["priority"]; ok && priority != nil {
		task["priority"] = priority
	}
	encoded, err := json.Marshal(task)
	if err != nil {
		return apperrors.Validation("redirect task payload is not serializable")
	}
	return e.gateway.Send(ctx, sessionKey, string(encoded))
}

func (e *Executor) priority(ctx context.Context, sessionKey string, payload *Payload) error {
	priority, ok := payload.Params["priority"]
	if !ok || priority == nil {
		return apperrors.Validation("priority command requires params.priority")
	}
	return e.gateway.Send(ctx, sessionKey, fmt.Sprintf("/queue priority:%v", formatParam(priority)))
}

// applyStatus posts the status side-effect of a successful command. Kill and
// priority leave status alone.
func (e *Executor) applyStatus(ctx context.Context, agentID, sessionKey, command string) {
	if e.tracker == nil {
		return
	}
	switch command {
	case CommandPause:
		e.tracker.Pause(ctx, agentID, sessionKey)
	case CommandResume, CommandRedirect, CommandRestart:
		e.tracker.MarkBusy(ctx, agentID, sessionKey)
	}
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

func anyParam(params map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, key := range keys {
		if v, ok := params[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// formatParam renders a JSON scalar without a float suffix for whole numbers.
func formatParam(v interface{}) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
