// Package events wires the bridge's normalized event stream onto the mirror
// bus. Subjects follow bridge.events.<eventType> so consumers can filter by
// event family with NATS wildcards.
package events

import (
	"context"
	"strings"

	"github.com/missionctl/bridge/internal/common/config"
	"github.com/missionctl/bridge/internal/common/logger"
	"github.com/missionctl/bridge/internal/events/bus"
	v1 "github.com/missionctl/bridge/pkg/api/v1"
)

// SubjectPrefix is the root of all mirror subjects.
const SubjectPrefix = "bridge.events"

// mirrorSource identifies the bridge as the event producer on the bus.
const mirrorSource = "bridge"

// NewBus builds the mirror transport from configuration: NATS when a URL is
// set, the in-memory bus otherwise.
func NewBus(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg, log)
}

// Mirror publishes bridge events onto the bus. Publish failures are logged
// and swallowed; the mirror is best-effort and never blocks the pipeline.
type Mirror struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewMirror creates a mirror over the given bus. A nil bus yields a mirror
// that drops everything.
func NewMirror(b bus.EventBus, log *logger.Logger) *Mirror {
	if log == nil {
		log = logger.Default()
	}
	return &Mirror{bus: b, logger: log}
}

// PublishEvents mirrors a batch of bridge events.
func (m *Mirror) PublishEvents(ctx context.Context, events []v1.BridgeEvent) {
	if m.bus == nil {
		return
	}
	for i := range events {
		event := events[i]
		subject := SubjectFor(event.EventType)
		if err := m.bus.Publish(ctx, subject, bus.NewEvent(event.EventType, mirrorSource, event)); err != nil {
			m.logger.WithError(err).Debug("failed to mirror event")
		}
	}
}

// Close shuts the underlying bus down.
func (m *Mirror) Close() {
	if m.bus != nil {
		m.bus.Close()
	}
}

// SubjectFor maps an event type to its mirror subject. Dots in the event
// type are folded so they cannot create extra subject tokens.
func SubjectFor(eventType string) string {
	token := strings.ReplaceAll(strings.TrimSpace(eventType), ".", "_")
	if token == "" {
		token = "unknown"
	}
	return SubjectPrefix + "." + token
}
