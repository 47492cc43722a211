// Package bridge contains the orchestrator that ties the gateway session,
// event pipeline, presence tracker, control plane, and state store together.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/bridge/internal/bridge/buffer"
	"github.com/missionctl/bridge/internal/bridge/control"
	"github.com/missionctl/bridge/internal/bridge/events"
	"github.com/missionctl/bridge/internal/bridge/presence"
	"github.com/missionctl/bridge/internal/common/config"
	"github.com/missionctl/bridge/internal/common/logger"
	mirrorevents "github.com/missionctl/bridge/internal/events"
	gwclient "github.com/missionctl/bridge/internal/gateway/client"
	"github.com/missionctl/bridge/internal/statestore"
	v1 "github.com/missionctl/bridge/pkg/api/v1"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

// Service is the bridge orchestrator. It observes the gateway session, runs
// the event pipeline and flush loop, and hosts the control server.
type Service struct {
	gwclient.NoopObserver

	cfg        *config.Config
	gateway    *gwclient.Client
	store      *statestore.Client
	tracker    *presence.Tracker
	normalizer *events.Normalizer
	buffer     *buffer.Buffer
	mirror     *mirrorevents.Mirror
	control    *control.Server
	logger     *logger.Logger

	flushMu  sync.Mutex
	flushing bool
	// flushKick wakes the flush loop when the buffer hits batch size.
	flushKick chan struct{}

	lastEventMu sync.Mutex
	lastEventAt time.Time
	syncing     atomic.Bool

	fatalCh chan error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the orchestrator. The control server is built here so it shares
// the executor's tracker and the gateway client.
func New(cfg *config.Config, gateway *gwclient.Client, store *statestore.Client, mirror *mirrorevents.Mirror, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	tracker := presence.New(store, cfg.Bridge.AgentAliases, cfg.Bridge.BusyWindow(), log)
	s := &Service{
		cfg:        cfg,
		gateway:    gateway,
		store:      store,
		tracker:    tracker,
		normalizer: events.NewNormalizer(),
		buffer:     buffer.New(cfg.Store.BatchSize),
		mirror:     mirror,
		logger:     log.WithFields(zap.String("component", "bridge")),
		flushKick:  make(chan struct{}, 1),
		fatalCh:    make(chan error, 1),
	}
	executor := control.NewExecutor(gateway, tracker, log)
	s.control = control.NewServer(cfg.Control, executor, gateway, log)
	return s
}

// Tracker exposes the presence tracker, mainly for tests.
func (s *Service) Tracker() *presence.Tracker {
	return s.tracker
}

// Fatal delivers the error that should terminate the process, if any.
func (s *Service) Fatal() <-chan error {
	return s.fatalCh
}

// Start installs the gateway observers, begins the flush loop, starts the
// control server, then opens the gateway session.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.gateway.AddObserver(s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flushLoop(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.control.Start(); err != nil {
			s.logger.WithError(err).Error("control server failed")
			s.reportFatal(err)
		}
	}()

	return s.gateway.Start(s.ctx)
}

// Stop shuts everything down: the gateway session, the control server, and a
// final best-effort flush of whatever is still buffered.
func (s *Service) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.gateway.Close()
	if err := s.control.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("control server shutdown failed")
	}
	s.flush(ctx)
	s.wg.Wait()
	if s.mirror != nil {
		s.mirror.Close()
	}
}

func (s *Service) reportFatal(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
}

// OnConnected subscribes per the plan, then runs the initial sync.
func (s *Service) OnConnected(hello *protocol.Frame) {
	s.logger.Info("gateway session established")
	go func() {
		ctx := s.ctx
		if s.gateway.SupportsMethod(protocol.MethodSubscribe) {
			if err := s.gateway.Subscribe(ctx, s.gateway.SubscriptionPlan()); err != nil {
				s.logger.WithError(err).Warn("event subscription failed")
			}
			if err := s.gateway.Subscribe(ctx, []string{protocol.EventPresence}); err != nil {
				s.logger.WithError(err).Warn("presence subscription failed")
			}
		} else {
			s.logger.Info("gateway does not advertise subscribe, relying on default event feed")
		}
		s.initialSync(ctx, hello)
	}()
}

// OnDisconnected marks the whole fleet offline.
func (s *Service) OnDisconnected(err error) {
	s.logger.WithError(err).Warn("gateway session lost")
	go s.tracker.HandleDisconnect(s.ctx)
}

// OnFatal surfaces the reconnect-budget failure to the process.
func (s *Service) OnFatal(err error) {
	s.reportFatal(err)
}

// OnError logs transport-level noise at debug.
func (s *Service) OnError(err error) {
	s.logger.WithError(err).Debug("gateway error")
}

// OnPresence feeds snapshots into the tracker.
func (s *Service) OnPresence(snapshot *protocol.PresenceSnapshot) {
	go func() {
		s.tracker.HandleSnapshot(s.ctx, snapshot)
		s.syncMetadata(s.ctx, snapshot)
	}()
}

// OnEvent runs the pipeline for one inbound frame: gap check, normalize,
// activity tracking, derivation, enqueue.
func (s *Service) OnEvent(frame *protocol.Frame) {
	now := time.Now()
	s.lastEventMu.Lock()
	last := s.lastEventAt
	s.lastEventAt = now
	s.lastEventMu.Unlock()
	if !last.IsZero() && now.Sub(last) > s.cfg.Bridge.GapThreshold() {
		s.logger.Warn("event gap detected, resyncing",
			zap.Duration("gap", now.Sub(last)))
		// The sync must not run on this goroutine: OnEvent executes on the
		// transport read loop, and initialSync's gateway requests need that
		// loop free to deliver their responses.
		go s.initialSync(s.ctx, nil)
	}

	primary, payload := s.normalizer.Primary(frame)
	s.enqueue(primary)

	if frame.Event == protocol.EventAgent || frame.Event == protocol.EventChat {
		s.tracker.TrackActivity(primary.AgentID, primary.SessionKey, parseEventTime(primary.Timestamp))
	}

	for _, derived := range s.normalizer.Derive(frame.Event, primary, payload) {
		s.enqueue(derived)
	}
}

// enqueue adds an event to the buffer and kicks an immediate flush when the
// batch size is reached.
func (s *Service) enqueue(event v1.BridgeEvent) {
	if s.buffer.Add(event) {
		select {
		case s.flushKick <- struct{}{}:
		default:
		}
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Store.BatchInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushKick:
			s.flush(ctx)
		}
	}
}

// flush drains the buffer and posts the batch. Failed batches are requeued at
// the head. Concurrent calls coalesce; only one flush runs at a time.
func (s *Service) flush(ctx context.Context) {
	s.flushMu.Lock()
	if s.flushing {
		s.flushMu.Unlock()
		return
	}
	s.flushing = true
	s.flushMu.Unlock()
	defer func() {
		s.flushMu.Lock()
		s.flushing = false
		s.flushMu.Unlock()
	}()

	batch := s.buffer.Drain()
	if len(batch) == 0 {
		return
	}
	if err := s.store.IngestEvents(ctx, batch); err != nil {
		s.logger.WithError(err).Warn("event flush failed, requeueing",
			zap.Int("batch_size", len(batch)))
		s.buffer.Requeue(batch)
		return
	}
	s.logger.Debug("flushed events", zap.Int("batch_size", len(batch)))
	if s.mirror != nil {
		s.mirror.PublishEvents(ctx, batch)
	}
}

// initialSync seeds the pipeline after a connect or a detected gap: hello
// snapshot first, then system-presence, then per-session chat history. All
// steps are best-effort. Concurrent syncs coalesce.
func (s *Service) initialSync(ctx context.Context, hello *protocol.Frame) {
	if !s.syncing.CompareAndSwap(false, true) {
		return
	}
	defer s.syncing.Store(false)

	if hello != nil {
		if pres := hello.HelloPresence(); len(pres) > 0 {
			s.ingestPresence(ctx, pres)
		}
		if health := hello.HelloHealth(); len(health) > 0 {
			s.enqueue(s.normalizer.Synthetic(protocol.EventHealth, decodeAny(health)))
		}
	}

	if resp, err := s.gateway.Request(ctx, protocol.MethodSystemPresence, nil); err != nil {
		s.logger.WithError(err).Debug("system-presence request failed")
	} else if len(resp) > 0 {
		s.ingestPresence(ctx, resp)
	}

	s.syncChatHistory(ctx)
}

// ingestPresence enqueues a synthetic presence event and feeds the snapshot
// into the tracker and metadata sync.
func (s *Service) ingestPresence(ctx context.Context, raw json.RawMessage) {
	s.enqueue(s.normalizer.Synthetic(protocol.EventPresence, decodeAny(raw)))
	snapshot := protocol.ParsePresence(raw)
	if snapshot == nil {
		return
	}
	s.tracker.HandleSnapshot(ctx, snapshot)
	s.syncMetadata(ctx, snapshot)
}

// syncMetadata refreshes the store's agent registry from a presence snapshot.
func (s *Service) syncMetadata(ctx context.Context, snapshot *protocol.PresenceSnapshot) {
	if snapshot == nil {
		return
	}
	records := make([]v1.AgentMetadata, 0, len(snapshot.Entries))
	seen := make(map[string]bool, len(snapshot.Entries))
	for _, entry := range snapshot.Entries {
		agentID := s.tracker.NormalizeAgentID(entry.AgentID)
		if agentID == "" {
			agentID = presence.AgentIDFromSessionKey(entry.SessionKey)
		}
		if agentID == "" {
			agentID = s.tracker.NormalizeAgentID(entry.DeviceID)
		}
		if agentID == "" || seen[agentID] {
			continue
		}
		seen[agentID] = true
		records = append(records, v1.AgentMetadata{
			AgentID:     agentID,
			SessionKey:  entry.SessionKey,
			Roles:       entry.Roles,
			Scopes:      entry.Scopes,
			ConnectedAt: entry.ConnectedAt,
		})
	}
	if err := s.store.SyncAgentMetadata(ctx, records); err != nil {
		s.logger.WithError(err).Warn("agent metadata sync failed")
	}
}

// syncChatHistory lists live sessions and enqueues the recent history of each
// as chat events.
func (s *Service) syncChatHistory(ctx context.Context) {
	resp, err := s.gateway.Request(ctx, protocol.MethodSessionsList, nil)
	if err != nil {
		s.logger.WithError(err).Debug("sessions.list request failed")
		return
	}
	for _, sessionKey := range sessionKeys(resp) {
		history, err := s.gateway.Request(ctx, protocol.MethodChatHistory, map[string]interface{}{
			"sessionKey": sessionKey,
			"limit":      s.cfg.Bridge.HistoryLimit,
		})
		if err != nil {
			s.logger.WithError(err).WithSessionKey(sessionKey).Debug("chat.history request failed")
			continue
		}
		event := s.normalizer.Synthetic(protocol.EventChat, decodeAny(history))
		event.SessionKey = sessionKey
		s.enqueue(event)
	}
}

// sessionKeys extracts session keys from a sessions.list response, which may
// be a bare array or wrapped in a sessions field.
func sessionKeys(raw json.RawMessage) []string {
	var wrapper struct {
		Sessions []map[string]interface{} `json:"sessions"`
	}
	var sessions []map[string]interface{}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Sessions != nil {
		sessions = wrapper.Sessions
	} else if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil
	}

	keys := make([]string, 0, len(sessions))
	seen := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		key := ""
		for _, field := range []string{"sessionKey", "session_key", "key"} {
			if s, ok := session[field].(string); ok && s != "" {
				key = s
				break
			}
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

func decodeAny(raw json.RawMessage) interface{} {
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	return v
}

// parseEventTime parses an event timestamp, falling back to now for shapes we
// do not recognize.
func parseEventTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Now()
}
