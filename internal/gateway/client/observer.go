package client

import (
	"github.com/missionctl/bridge/pkg/gateway/protocol"
)

// Observer receives gateway client callbacks. Callbacks are invoked from the
// client's read loop; implementations must not block.
type Observer interface {
	// OnConnected fires after a successful handshake. hello may be nil when
	// the gateway acknowledged connect without a hello snapshot.
	OnConnected(hello *protocol.Frame)
	// OnDisconnected fires when the transport closes, before any reconnect.
	OnDisconnected(err error)
	// OnEvent fires for every inbound event frame.
	OnEvent(frame *protocol.Frame)
	// OnPresence fires when a presence event parses into a snapshot.
	OnPresence(snapshot *protocol.PresenceSnapshot)
	// OnHello fires when a standalone hello-ok frame arrives.
	OnHello(frame *protocol.Frame)
	// OnChallenge fires when the gateway issues a connect.challenge nonce.
	OnChallenge(nonce string)
	// OnError fires for transport and parse errors.
	OnError(err error)
	// OnFatal fires when the reconnect budget is exhausted; the client stops.
	OnFatal(err error)
}

// NoopObserver implements Observer with no-ops so consumers can embed it and
// override only the callbacks they care about.
type NoopObserver struct{}

func (NoopObserver) OnConnected(*protocol.Frame)           {}
func (NoopObserver) OnDisconnected(error)                  {}
func (NoopObserver) OnEvent(*protocol.Frame)               {}
func (NoopObserver) OnPresence(*protocol.PresenceSnapshot) {}
func (NoopObserver) OnHello(*protocol.Frame)               {}
func (NoopObserver) OnChallenge(string)                    {}
func (NoopObserver) OnError(error)                         {}
func (NoopObserver) OnFatal(error)                         {}
