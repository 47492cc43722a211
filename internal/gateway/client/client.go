// Package client implements the long-lived gateway session: a full-duplex
// JSON framing connection with request/response correlation, the
// challenge/connect handshake, and reconnection with capped backoff.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/missionctl/bridge/internal/common/errors"
	"github.com/missionctl/bridge/internal/common/logger"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

const (
	// challengeWait bounds how long the handshake waits for a
	// connect.challenge frame before connecting without a nonce.
	challengeWait = time.Second

	// maxReconnectDelay caps the exponential backoff between attempts.
	maxReconnectDelay = 60 * time.Second

	dialTimeout = 15 * time.Second
	writeWait   = 10 * time.Second
)

// Config holds the gateway connection settings.
type Config struct {
	URL                  string
	Token                string
	ClientID             string
	ClientVersion        string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 means retry forever
	RequestTimeout       time.Duration
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// Client maintains the gateway session. Create with New, register observers,
// then call Start. The client reconnects on transport failure until Close is
// called or the reconnect budget runs out.
type Client struct {
	cfg    Config
	logger *logger.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	// writeMu serializes frame writes; gorilla/websocket allows one
	// concurrent writer.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan requestResult
	nextID    atomic.Uint64

	stateMu sync.Mutex
	state   ConnectionState

	observerMu sync.RWMutex
	observers  []Observer

	// sessionMu guards the per-connection handshake channels and the
	// features advertised by the current gateway.
	sessionMu   sync.Mutex
	challengeCh chan string
	helloCh     chan *protocol.Frame
	features    *protocol.Features

	closed  atomic.Bool
	started atomic.Bool
	done    chan struct{}
}

// New creates a gateway client. Zero durations fall back to defaults.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "gateway_client")),
		pending: make(map[string]chan requestResult),
		state:   ConnectionState{ReadyState: StateIdle},
		done:    make(chan struct{}),
	}
}

// AddObserver registers an observer. Observers must be registered before
// Start; registration is not synchronized with a running session.
func (c *Client) AddObserver(o Observer) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	c.observers = append(c.observers, o)
}

// Start launches the connection loop. It returns immediately; connection
// progress is reported through observers. Calling Start twice is an error.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway client already started")
	}
	go c.run(ctx)
	return nil
}

// Done is closed once the connection loop has exited for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the session down. The client never reconnects after Close.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	attempts := 0
	for {
		if c.closed.Load() || ctx.Err() != nil {
			c.setReadyState(StateClosed)
			return
		}

		connected, err := c.runConnection(ctx)
		if c.closed.Load() || ctx.Err() != nil {
			c.setReadyState(StateClosed)
			return
		}
		if connected {
			attempts = 0
		}
		attempts++

		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			fatal := apperrors.Fatal(
				fmt.Sprintf("gateway unreachable after %d reconnect attempts", c.cfg.MaxReconnectAttempts), err)
			c.logger.WithError(fatal).Error("giving up on gateway connection")
			c.setReadyState(StateClosed)
			c.emitFatal(fatal)
			return
		}

		delay := reconnectDelay(c.cfg.ReconnectInterval, attempts)
		c.markReconnecting(attempts)
		c.logger.Warn("gateway connection lost, reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

// reconnectDelay doubles the base interval per attempt, capped at
// maxReconnectDelay.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

// runConnection performs one dial/handshake/read cycle. It returns whether
// the handshake completed and the error that ended the connection.
func (c *Client) runConnection(ctx context.Context) (bool, error) {
	c.setReadyState(StateOpening)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		terr := apperrors.Transport("gateway dial failed", err)
		c.recordError(terr)
		c.emitError(terr)
		return false, terr
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	challengeCh := make(chan string, 1)
	helloCh := make(chan *protocol.Frame, 1)
	c.sessionMu.Lock()
	c.challengeCh = challengeCh
	c.helloCh = helloCh
	c.features = nil
	c.sessionMu.Unlock()

	readDone := make(chan error, 1)
	go func() { readDone <- c.readLoop(conn) }()

	hello, err := c.handshake(ctx, challengeCh, helloCh, readDone)
	if err != nil {
		c.recordError(err)
		c.emitError(err)
		_ = conn.Close()
		<-readDone
		c.handleDisconnect(err)
		return false, err
	}

	now := time.Now().UTC()
	c.stateMu.Lock()
	c.state.Connected = true
	c.state.ReadyState = StateConnected
	c.state.Reconnecting = false
	c.state.ReconnectAttempts = 0
	c.state.LastConnectedAt = &now
	c.state.LastError = ""
	c.stateMu.Unlock()

	if hello != nil && hello.Features != nil {
		c.sessionMu.Lock()
		c.features = hello.Features
		c.sessionMu.Unlock()
	}

	c.logger.Info("gateway connected", zap.String("url", c.cfg.URL))
	c.emitConnected(hello)

	select {
	case err = <-readDone:
	case <-ctx.Done():
		_ = conn.Close()
		<-readDone
		err = ctx.Err()
	}
	c.handleDisconnect(err)
	return true, err
}

// handshake waits briefly for a challenge nonce, then issues the connect
// request. The gateway may answer with a response frame or skip straight to
// hello-ok; either completes the handshake.
func (c *Client) handshake(ctx context.Context, challengeCh chan string, helloCh chan *protocol.Frame, readDone chan error) (*protocol.Frame, error) {
	c.setReadyState(StateAuthenticating)

	var nonce string
	select {
	case nonce = <-challengeCh:
	case <-time.After(challengeWait):
	case hello := <-helloCh:
		return hello, nil
	case err := <-readDone:
		return nil, apperrors.Transport("gateway closed during handshake", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: runtime.GOOS,
			Mode:     "operator",
		},
		Role:   "operator",
		Scopes: []string{"operator.read"},
		Auth:   protocol.ConnectAuth{Token: c.cfg.Token, Nonce: nonce},
	}

	id := c.allocateID()
	respCh := c.installPending(id)
	if err := c.writeRequest(protocol.NewRequest(id, protocol.MethodConnect, params)); err != nil {
		c.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-respCh:
		if res.err != nil {
			return nil, apperrors.Remote("gateway rejected connect", res.err)
		}
		return protocol.ParseHello(res.payload), nil
	case hello := <-helloCh:
		// hello-ok may land before the connect response; treat it as the
		// authoritative acknowledgement.
		c.removePending(id)
		return hello, nil
	case err := <-readDone:
		c.removePending(id)
		return nil, apperrors.Transport("gateway closed during handshake", err)
	case <-timer.C:
		c.removePending(id)
		return nil, apperrors.Timeout("gateway connect timed out")
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.logger.WithError(err).Warn("discarding unparseable gateway frame")
			c.emitError(err)
			continue
		}
		switch frame.Type {
		case protocol.FrameTypeResponse:
			c.resolvePending(frame)
		case protocol.FrameTypeHelloOK:
			c.handleHello(frame)
		case protocol.FrameTypeEvent:
			c.dispatchEvent(frame)
		}
	}
}

func (c *Client) handleHello(frame *protocol.Frame) {
	c.sessionMu.Lock()
	if frame.Features != nil {
		c.features = frame.Features
	}
	helloCh := c.helloCh
	c.sessionMu.Unlock()
	if helloCh != nil {
		select {
		case helloCh <- frame:
		default:
		}
	}
	c.emitHello(frame)
}

func (c *Client) dispatchEvent(frame *protocol.Frame) {
	switch frame.Event {
	case protocol.EventChallenge:
		nonce := challengeNonce(frame.Payload)
		c.sessionMu.Lock()
		ch := c.challengeCh
		c.sessionMu.Unlock()
		if ch != nil {
			select {
			case ch <- nonce:
			default:
			}
		}
		c.emitChallenge(nonce)
	case protocol.EventPresence:
		if snapshot := protocol.ParsePresence(frame.Payload); snapshot != nil {
			c.emitPresence(snapshot)
		}
	}
	c.emitEvent(frame)
}

func challengeNonce(payload json.RawMessage) string {
	var body struct {
		Nonce     string `json:"nonce"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	if body.Nonce != "" {
		return body.Nonce
	}
	return body.Challenge
}

// Request issues a request frame and waits for the correlated response. It
// fails immediately when the transport is not open; requests are never queued
// across reconnects.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.allocateID()
	ch := c.installPending(id)
	if err := c.writeRequest(protocol.NewRequest(id, method, params)); err != nil {
		c.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.payload, res.err
	case <-timer.C:
		c.removePending(id)
		return nil, apperrors.Timeout(fmt.Sprintf("gateway request timeout: %s", method))
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Send delivers a message to an agent session.
func (c *Client) Send(ctx context.Context, sessionKey, message string) error {
	_, err := c.Request(ctx, protocol.MethodSend, protocol.SendParams{
		SessionKey: sessionKey,
		Message:    message,
	})
	return err
}

// Subscribe registers interest in the given event names.
func (c *Client) Subscribe(ctx context.Context, events []string) error {
	_, err := c.Request(ctx, protocol.MethodSubscribe, protocol.SubscribeParams{Events: events})
	return err
}

// HealthCheck asks the gateway for its health report.
func (c *Client) HealthCheck(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, protocol.MethodHealth, nil)
}

// baseSubscriptions are always requested. Presence is subscribed separately
// by consumers that track fleet status.
var baseSubscriptions = []string{
	protocol.EventAgent,
	protocol.EventChat,
	protocol.EventDiagnostic,
	protocol.EventHeartbeat,
	protocol.EventHealth,
}

// SubscriptionPlan merges the base event set with whatever the current
// gateway advertises, so new event families flow without a client update.
func (c *Client) SubscriptionPlan() []string {
	c.sessionMu.Lock()
	features := c.features
	c.sessionMu.Unlock()

	seen := make(map[string]bool, len(baseSubscriptions))
	plan := make([]string, 0, len(baseSubscriptions))
	add := func(event string) {
		if event == "" || seen[event] {
			return
		}
		seen[event] = true
		plan = append(plan, event)
	}
	for _, event := range baseSubscriptions {
		add(event)
	}
	if features != nil {
		for _, event := range features.Events {
			if event == protocol.EventPresence || event == protocol.EventChallenge {
				continue
			}
			add(event)
		}
	}
	return plan
}

// Features returns the feature set advertised by the current gateway, or nil
// before the first hello.
func (c *Client) Features() *protocol.Features {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.features
}

// SupportsMethod reports whether the current gateway advertises the method.
// A gateway that advertises no method list supports everything.
func (c *Client) SupportsMethod(method string) bool {
	c.sessionMu.Lock()
	features := c.features
	c.sessionMu.Unlock()
	if features == nil || len(features.Methods) == 0 {
		return true
	}
	for _, m := range features.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Connected reports whether the session is currently established.
func (c *Client) Connected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state.Connected
}

// GetConnectionState returns a copy of the current connection state.
func (c *Client) GetConnectionState() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) allocateID() string {
	return fmt.Sprintf("req_%d", c.nextID.Add(1))
}

func (c *Client) installPending(id string) chan requestResult {
	ch := make(chan requestResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolvePending(frame *protocol.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		// Response for a request that already timed out.
		return
	}
	if frame.Error != nil || !frame.OK {
		message := "Gateway error"
		if frame.Error != nil && frame.Error.Message != "" {
			message = frame.Error.Message
		}
		ch <- requestResult{err: apperrors.Remote(message, nil)}
		return
	}
	ch <- requestResult{payload: frame.ResponsePayload()}
}

func (c *Client) writeRequest(req *protocol.Request) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return apperrors.Transport("gateway not connected", nil)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		return apperrors.Transport("gateway write failed", err)
	}
	return nil
}

// handleDisconnect tears down connection state and rejects every in-flight
// request so no caller blocks across a reconnect.
func (c *Client) handleDisconnect(cause error) {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan requestResult)
	c.pendingMu.Unlock()
	if len(pending) > 0 {
		err := apperrors.Transport("gateway connection closed", cause)
		for _, ch := range pending {
			ch <- requestResult{err: err}
		}
	}

	now := time.Now().UTC()
	c.stateMu.Lock()
	wasConnected := c.state.Connected
	c.state.Connected = false
	c.state.LastDisconnectedAt = &now
	if cause != nil {
		c.state.LastError = cause.Error()
	}
	c.stateMu.Unlock()

	if wasConnected {
		c.emitDisconnected(cause)
	}
}

func (c *Client) setReadyState(state string) {
	c.stateMu.Lock()
	c.state.ReadyState = state
	if state == StateClosed {
		c.state.Connected = false
		c.state.Reconnecting = false
	}
	c.stateMu.Unlock()
}

func (c *Client) markReconnecting(attempts int) {
	c.stateMu.Lock()
	c.state.ReadyState = StateReconnecting
	c.state.Reconnecting = true
	c.state.ReconnectAttempts = attempts
	c.stateMu.Unlock()
}

func (c *Client) recordError(err error) {
	if err == nil {
		return
	}
	c.stateMu.Lock()
	c.state.LastError = err.Error()
	c.stateMu.Unlock()
}

func (c *Client) eachObserver(fn func(Observer)) {
	c.observerMu.RLock()
	observers := c.observers
	c.observerMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

func (c *Client) emitConnected(hello *protocol.Frame) {
	c.eachObserver(func(o Observer) { o.OnConnected(hello) })
}

func (c *Client) emitDisconnected(err error) {
	c.eachObserver(func(o Observer) { o.OnDisconnected(err) })
}

func (c *Client) emitEvent(frame *protocol.Frame) {
	c.eachObserver(func(o Observer) { o.OnEvent(frame) })
}

func (c *Client) emitPresence(snapshot *protocol.PresenceSnapshot) {
	c.eachObserver(func(o Observer) { o.OnPresence(snapshot) })
}

func (c *Client) emitHello(frame *protocol.Frame) {
	c.eachObserver(func(o Observer) { o.OnHello(frame) })
}

func (c *Client) emitChallenge(nonce string) {
	c.eachObserver(func(o Observer) { o.OnChallenge(nonce) })
}

func (c *Client) emitError(err error) {
	c.eachObserver(func(o Observer) { o.OnError(err) })
}

func (c *Client) emitFatal(err error) {
	c.eachObserver(func(o Observer) { o.OnFatal(err) })
}
