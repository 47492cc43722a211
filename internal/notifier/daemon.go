// Package notifier implements the notification daemon: a secondary process
// that delivers pending state-store notifications to live agent sessions
// over the gateway.
package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/bridge/internal/bridge/presence"
	"github.com/missionctl/bridge/internal/common/config"
	"github.com/missionctl/bridge/internal/common/logger"
	gwclient "github.com/missionctl/bridge/internal/gateway/client"
	"github.com/missionctl/bridge/internal/statestore"
	v1 "github.com/missionctl/bridge/pkg/api/v1"
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

// recipientTypeAgent is the only recipient type the daemon delivers.
const recipientTypeAgent = "agent"

// Daemon polls the state store for pending notifications and delivers them
// to the sessions it learned from presence snapshots.
type Daemon struct {
	gwclient.NoopObserver

	cfg     config.NotifierConfig
	aliases map[string]string
	gateway *gwclient.Client
	store   *statestore.Client
	logger  *logger.Logger

	sessionMu       sync.Mutex
	sessionsByAgent map[string]string
	connected       bool

	polling atomic.Bool

	fatalCh chan error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the daemon around an existing gateway client and store client.
func New(cfg config.NotifierConfig, aliases map[string]string, gateway *gwclient.Client, store *statestore.Client, log *logger.Logger) *Daemon {
	if log == nil {
		log = logger.Default()
	}
	return &Daemon{
		cfg:             cfg,
		aliases:         aliases,
		gateway:         gateway,
		store:           store,
		logger:          log.WithFields(zap.String("component", "notifier")),
		sessionsByAgent: make(map[string]string),
		fatalCh:         make(chan error, 1),
	}
}

// Fatal delivers the error that should terminate the process, if any.
func (d *Daemon) Fatal() <-chan error {
	return d.fatalCh
}

// Start installs the observers, begins the poll loop, and opens the gateway
// session.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.gateway.AddObserver(d)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pollLoop(d.ctx)
	}()

	return d.gateway.Start(d.ctx)
}

// Stop shuts the daemon down.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	_ = d.gateway.Close()
	d.wg.Wait()
}

// OnConnected subscribes to presence and seeds the session map.
func (d *Daemon) OnConnected(hello *protocol.Frame) {
	d.sessionMu.Lock()
	d.connected = true
	d.sessionMu.Unlock()

	go func() {
		ctx := d.ctx
		if d.gateway.SupportsMethod(protocol.MethodSubscribe) {
			if err := d.gateway.Subscribe(ctx, []string{protocol.EventPresence}); err != nil {
				d.logger.WithError(err).Warn("presence subscription failed")
			}
		}
		if hello != nil {
			if snapshot := protocol.ParsePresence(hello.HelloPresence()); snapshot != nil {
				d.updateSessions(snapshot)
			}
		}
		if resp, err := d.gateway.Request(ctx, protocol.MethodSystemPresence, nil); err != nil {
			d.logger.WithError(err).Debug("system-presence request failed")
		} else if snapshot := protocol.ParsePresence(resp); snapshot != nil {
			d.updateSessions(snapshot)
		}
	}()
}

// OnDisconnected clears the session map and pauses polling until reconnect.
func (d *Daemon) OnDisconnected(err error) {
	d.logger.WithError(err).Warn("gateway session lost, pausing deliveries")
	d.sessionMu.Lock()
	d.connected = false
	d.sessionsByAgent = make(map[string]string)
	d.sessionMu.Unlock()
}

// OnPresence refreshes the session map from each snapshot.
func (d *Daemon) OnPresence(snapshot *protocol.PresenceSnapshot) {
	d.updateSessions(snapshot)
}

// OnFatal surfaces the reconnect-budget failure to the process.
func (d *Daemon) OnFatal(err error) {
	select {
	case d.fatalCh <- err:
	default:
	}
}

func (d *Daemon) updateSessions(snapshot *protocol.PresenceSnapshot) {
	if snapshot == nil {
		return
	}
	sessions := make(map[string]string, len(snapshot.Entries))
	for _, entry := range snapshot.Entries {
		if entry.SessionKey == "" {
			continue
		}
		agentID := presence.AgentIDFromSessionKey(entry.SessionKey)
		if agentID == "" {
			agentID = presence.NormalizeID(d.aliases, entry.AgentID)
		}
		if agentID == "" {
			continue
		}
		sessions[presence.NormalizeID(d.aliases, agentID)] = entry.SessionKey
	}

	d.sessionMu.Lock()
	d.sessionsByAgent = sessions
	d.sessionMu.Unlock()
}

func (d *Daemon) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll fetches one batch of pending notifications and attempts delivery.
// Concurrent polls coalesce; polling is suspended while disconnected.
func (d *Daemon) poll(ctx context.Context) {
	d.sessionMu.Lock()
	connected := d.connected
	d.sessionMu.Unlock()
	if !connected {
		return
	}
	if !d.polling.CompareAndSwap(false, true) {
		return
	}
	defer d.polling.Store(false)

	pending, err := d.store.ListPendingNotifications(ctx, d.cfg.PollBatchSize, recipientTypeAgent)
	if err != nil {
		d.logger.WithError(err).Warn("failed to list pending notifications")
		return
	}

	for _, notification := range pending {
		d.deliver(ctx, notification)
	}
}

func (d *Daemon) deliver(ctx context.Context, notification v1.PendingNotification) {
	now := time.Now()
	if notification.LastAttemptAt > 0 {
		lastAttempt := time.UnixMilli(notification.LastAttemptAt)
		if now.Sub(lastAttempt) < d.cfg.RetryBackoff() {
			return
		}
	}

	agentID := presence.NormalizeID(d.aliases, notification.RecipientID)
	d.sessionMu.Lock()
	sessionKey := d.sessionsByAgent[agentID]
	d.sessionMu.Unlock()
	if sessionKey == "" {
		d.logger.WithAgentID(agentID).Debug("no live session for notification recipient")
		return
	}

	log := d.logger.WithAgentID(agentID).WithSessionKey(sessionKey).
		WithFields(zap.String("notification_id", notification.ID))
	if err := d.gateway.Send(ctx, sessionKey, notification.Message); err != nil {
		log.WithError(err).Warn("notification delivery failed")
		if rerr := d.store.RecordNotificationAttempt(ctx, notification.ID, err.Error()); rerr != nil {
			log.WithError(rerr).Warn("failed to record delivery attempt")
		}
		return
	}

	log.Info("notification delivered")
	if err := d.store.MarkNotificationDelivered(ctx, notification.ID, now); err != nil {
		log.WithError(err).Warn("failed to mark notification delivered")
	}
}
