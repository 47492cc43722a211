package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missionctl/bridge/internal/common/config"
	apperrors "github.com/missionctl/bridge/internal/common/errors"
	"github.com/missionctl/bridge/internal/common/httpmw"
	"github.com/missionctl/bridge/internal/common/logger"
	gwclient "github.com/missionctl/bridge/internal/gateway/client"
)

// Control acknowledgement statuses.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// HealthSource is the slice of the gateway client the health endpoint needs.
type HealthSource interface {
	GetConnectionState() gwclient.ConnectionState
	HealthCheck(ctx context.Context) (json.RawMessage, error)
}

// Server hosts the control and health endpoints.
type Server struct {
	cfg      config.ControlConfig
	executor *Executor
	health   HealthSource
	logger   *logger.Logger
	http     *http.Server
}

// NewServer wires the control plane routes onto a fresh gin engine.
func NewServer(cfg config.ControlConfig, executor *Executor, health HealthSource, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		cfg:      cfg,
		executor: executor,
		health:   health,
		logger:   log.WithFields(zap.String("component", "control_server")),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(httpmw.RequestLogger(log, "control"), gin.Recovery())
	engine.HandleMethodNotAllowed = true

	engine.POST("/api/control", s.handleControl)
	for _, path := range []string{"/api/health", "/health"} {
		engine.GET(path, s.handleHealth)
		engine.HEAD(path, s.handleHealth)
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// Start begins serving. It returns once the listener stops; callers run it
// on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("control server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleControl processes one operator command. Every handled outcome is a
// 200 with an acknowledgement status; only auth, size, and shape failures
// use other codes.
func (s *Server) handleControl(c *gin.Context) {
	if s.cfg.Secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control secret not configured"})
		return
	}
	if !s.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	body, tooLarge, err := readBounded(c.Request.Body, s.cfg.MaxBodyBytes)
	if tooLarge {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	payload, err := ParsePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorMessage(err)})
		return
	}
	requestID := payload.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	if err := s.executor.Execute(c.Request.Context(), payload); err != nil {
		status := StatusError
		if apperrors.IsValidation(err) {
			status = StatusRejected
		}
		c.JSON(http.StatusOK, gin.H{
			"requestId": requestID,
			"status":    status,
			"error":     errorMessage(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"requestId": requestID, "status": StatusAccepted})
}

// healthGateway is the gateway block of the health response: the connection
// state plus, for authenticated probes, the gateway's own health report.
type healthGateway struct {
	gwclient.ConnectionState
	Health json.RawMessage `json:"health,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.health.GetConnectionState()
	gateway := healthGateway{ConnectionState: state}

	status := "ok"
	if !state.Connected {
		status = "degraded"
	}

	// An authenticated probe asks the gateway for its health report rather
	// than trusting local connection state alone.
	if s.cfg.Secret != "" && s.authorized(c) && state.Connected {
		probeCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		report, err := s.health.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			status = "degraded"
			gateway.LastError = err.Error()
		} else {
			gateway.Health = report
		}
	}

	code := http.StatusOK
	if status == "degraded" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"gateway":   gateway,
	})
}

// authorized checks the shared secret in either accepted header form.
func (s *Server) authorized(c *gin.Context) bool {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if strings.TrimPrefix(auth, "Bearer ") == s.cfg.Secret {
			return true
		}
	}
	return c.GetHeader("bridge-control-secret") == s.cfg.Secret
}

// errorMessage returns the bare message for wrapped bridge errors so the ack
// does not leak internal error codes.
func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// readBounded reads at most limit bytes, reporting overflow without
// buffering past the limit.
func readBounded(r io.Reader, limit int64) (data []byte, tooLarge bool, err error) {
	if limit <= 0 {
		limit = 1 << 20
	}
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return nil, true, nil
	}
	return data, false, nil
}
