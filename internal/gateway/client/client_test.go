package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/missionctl/bridge/internal/common/errors"
	"github.com/missionctl/bridge/internal/common/logger"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

type recordingObserver struct {
	NoopObserver
	connected    chan *protocol.Frame
	disconnected chan error
	events       chan *protocol.Frame
	challenges   chan string
	fatals       chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		connected:    make(chan *protocol.Frame, 4),
		disconnected: make(chan error, 4),
		events:       make(chan *protocol.Frame, 4),
		challenges:   make(chan string, 4),
		fatals:       make(chan error, 4),
	}
}

func (o *recordingObserver) OnConnected(hello *protocol.Frame) { o.connected <- hello }
func (o *recordingObserver) OnDisconnected(err error)          { o.disconnected <- err }
func (o *recordingObserver) OnEvent(frame *protocol.Frame)     { o.events <- frame }
func (o *recordingObserver) OnChallenge(nonce string)          { o.challenges <- nonce }
func (o *recordingObserver) OnFatal(err error)                 { o.fatals <- err }

type wireRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// startGateway runs a stub gateway; handler is invoked once per connection.
func startGateway(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readRequest(t *testing.T, conn *websocket.Conn) *wireRequest {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	var req wireRequest
	require.NoError(t, json.Unmarshal(data, &req))
	return &req
}

func writeFrame(conn *websocket.Conn, frame string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

const helloFrame = `{"type":"hello-ok","features":{"events":["agent","custom.metric","presence"]},"presence":{"entries":[]}}`

// drain keeps the connection open until the client closes it.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) (*Client, *recordingObserver) {
	t.Helper()
	cfg := Config{
		URL:               url,
		Token:             "test-token",
		ClientID:          "bridge-test",
		ClientVersion:     "test",
		ReconnectInterval: 20 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, logger.NewNop())
	observer := newRecordingObserver()
	c.AddObserver(observer)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
		}
	})
	return c, observer
}

func waitConnected(t *testing.T, observer *recordingObserver) *protocol.Frame {
	t.Helper()
	select {
	case hello := <-observer.connected:
		return hello
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect")
		return nil
	}
}

func TestHandshakeWithChallenge(t *testing.T) {
	params := make(chan protocol.ConnectParams, 1)
	url := startGateway(t, func(conn *websocket.Conn) {
		writeFrame(conn, `{"type":"event","event":"connect.challenge","payload":{"nonce":"n-1"}}`)
		req := readRequest(t, conn)
		if req == nil {
			return
		}
		var p protocol.ConnectParams
		_ = json.Unmarshal(req.Params, &p)
		params <- p
		writeFrame(conn, fmt.Sprintf(
			`{"type":"res","id":%q,"ok":true,"result":{"features":{"events":["agent","custom.metric","presence"]}}}`,
			req.ID))
		drain(conn)
	})

	c, observer := newTestClient(t, url, nil)

	select {
	case nonce := <-observer.challenges:
		assert.Equal(t, "n-1", nonce)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for challenge")
	}
	waitConnected(t, observer)
	assert.True(t, c.Connected())

	sent := <-params
	assert.Equal(t, protocol.ProtocolVersion, sent.MinProtocol)
	assert.Equal(t, protocol.ProtocolVersion, sent.MaxProtocol)
	assert.Equal(t, "bridge-test", sent.Client.ID)
	assert.Equal(t, "operator", sent.Client.Mode)
	assert.Equal(t, "operator", sent.Role)
	assert.Equal(t, "test-token", sent.Auth.Token)
	assert.Equal(t, "n-1", sent.Auth.Nonce)
}

func TestHandshakeViaHelloOnly(t *testing.T) {
	url := startGateway(t, func(conn *websocket.Conn) {
		writeFrame(conn, helloFrame)
		drain(conn)
	})

	c, observer := newTestClient(t, url, nil)

	hello := waitConnected(t, observer)
	require.NotNil(t, hello)
	require.NotNil(t, hello.Features)

	plan := c.SubscriptionPlan()
	assert.Contains(t, plan, "custom.metric")
	assert.Contains(t, plan, protocol.EventAgent)
	// Presence is subscribed separately, never via the plan.
	assert.NotContains(t, plan, protocol.EventPresence)
}

func TestChallengeEventReachesEventObservers(t *testing.T) {
	url := startGateway(t, func(conn *websocket.Conn) {
		writeFrame(conn, helloFrame)
		writeFrame(conn, `{"type":"event","event":"connect.challenge","payload":{"nonce":"n-2"}}`)
		drain(conn)
	})

	_, observer := newTestClient(t, url, nil)
	waitConnected(t, observer)

	select {
	case frame := <-observer.events:
		assert.Equal(t, protocol.EventChallenge, frame.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for challenge event")
	}
	select {
	case nonce := <-observer.challenges:
		assert.Equal(t, "n-2", nonce)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for challenge nonce")
	}
}

func TestSupportsMethod(t *testing.T) {
	url := startGateway(t, func(conn *websocket.Conn) {
		writeFrame(conn, `{"type":"hello-ok","features":{"methods":["send","health"],"events":["agent"]}}`)
		drain(conn)
	})

	c, observer := newTestClient(t, url, nil)
	waitConnected(t, observer)

	assert.True(t, c.SupportsMethod(protocol.MethodSend))
	assert.False(t, c.SupportsMethod(protocol.MethodSubscribe))

	// A gateway that advertises no method list supports everything.
	bare := New(Config{URL: "ws://127.0.0.1:1"}, logger.NewNop())
	assert.True(t, bare.SupportsMethod(protocol.MethodSubscribe))
}

func TestRequestCorrelation(t *testing.T) {
	url := startGateway(t, func(conn *websocket.Conn) {
		writeFrame(conn, helloFrame)
		for {
			req := readRequest(t, conn)
			if req == nil {
				return
			}
			switch req.Method {
			case protocol.MethodSessionsList:
				writeFrame(conn, fmt.Sprintf(`{"type":"res","id":%q,"ok":true,"result":{"sessions":[]}}`, req.ID))
			case protocol.MethodSend:
				writeFrame(conn, fmt.Sprintf(`{"type":"res","id":%q,"ok":false,"error":{"message":"session not found"}}`, req.ID))
			default:
				writeFrame(conn, fmt.Sprintf(`{"type":"res","id":%q,"ok":true,"result":{}}`, req.ID))
			}
		}
	})

	c, observer := newTestClient(t, url, nil)
	waitConnected(t, observer)
	ctx := context.Background()

	payload, err := c.Request(ctx, protocol.MethodSessionsList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessions":[]}`, string(payload))

	err = c.Send(ctx, "agent:missing:main", "/stop")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeRemote, appErr.Code)
	assert.Equal(t, "session not found", appErr.Message)
}

func TestRequestTimeout(t *testing.T) {
	url := startGateway(t, func(conn *websocket.Conn) {
		writeFrame(conn, helloFrame)
		drain(conn)
	})

	c, observer := newTestClient(t, url, func(cfg *Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})
	waitConnected(t, observer)

	_, err := c.Request(context.Background(), protocol.MethodHealth, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
}

func TestPendingRejectedOnDisconnect(t *testing.T) {
	url := startGateway(t, func(conn *websocket.Conn) {
		writeFrame(conn, helloFrame)
		// Swallow the first request and drop the connection.
		readRequest(t, conn)
	})

	c, observer := newTestClient(t, url, nil)
	waitConnected(t, observer)

	_, err := c.Request(context.Background(), protocol.MethodHealth, nil)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeTransport, appErr.Code)

	select {
	case <-observer.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
}

func TestRequestWithoutConnection(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, logger.NewNop())

	err := c.Send(context.Background(), "agent:a:main", "/stop")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeTransport, appErr.Code)
}

func TestMaxReconnectAttemptsFatal(t *testing.T) {
	var dials atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	observer := newRecordingObserver()
	c := New(Config{
		URL:                  "ws" + strings.TrimPrefix(server.URL, "http"),
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 2,
	}, logger.NewNop())
	c.AddObserver(observer)
	require.NoError(t, c.Start(context.Background()))

	select {
	case err := <-observer.fatals:
		assert.True(t, apperrors.IsFatal(err))
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for fatal")
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection loop did not stop")
	}
	assert.Equal(t, StateClosed, c.GetConnectionState().ReadyState)
	// Fatal fires once the attempt count reaches the limit, not one later.
	assert.Equal(t, int32(2), dials.Load())
}

func TestCloseStopsReconnect(t *testing.T) {
	c := New(Config{
		URL:               "ws://127.0.0.1:1",
		ReconnectInterval: 10 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, c.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection loop did not stop after Close")
	}
}

func TestReconnectDelay(t *testing.T) {
	base := 3 * time.Second
	assert.Equal(t, 3*time.Second, reconnectDelay(base, 1))
	assert.Equal(t, 6*time.Second, reconnectDelay(base, 2))
	assert.Equal(t, 48*time.Second, reconnectDelay(base, 5))
	assert.Equal(t, 60*time.Second, reconnectDelay(base, 6))
	assert.Equal(t, 60*time.Second, reconnectDelay(base, 12))
}

func TestChallengeNonceSpellings(t *testing.T) {
	assert.Equal(t, "n-1", challengeNonce(json.RawMessage(`{"nonce":"n-1"}`)))
	assert.Equal(t, "c-1", challengeNonce(json.RawMessage(`{"challenge":"c-1"}`)))
	assert.Equal(t, "", challengeNonce(json.RawMessage(`{}`)))
	assert.Equal(t, "", challengeNonce(json.RawMessage(`not json`)))
}
