package hub

import (
	"encoding/json"

	"github.com/pairline/realtime/internal/metrics"
	"github.com/pairline/realtime/internal/protocol"
)

// RelaySignal forwards a call-signaling payload (offer, answer or ICE
// candidate) from one session to another. The payload is passed through
// untouched, wrapped with the originating session id. A target that is not
// connected is dropped silently; the result reports whether the frame was
// handed to the transport.
func (c *Coordinator) RelaySignal(fromSessionID, kind, targetSessionID string, payload json.RawMessage) bool {
	if !protocol.IsSignal(kind) {
		return false
	}

	var out outbox

	c.mu.Lock()
	if !c.registry.Has(fromSessionID) || !c.registry.Has(targetSessionID) {
		c.mu.Unlock()
		metrics.SignalsTotal.WithLabelValues("dropped").Inc()
		c.log.Debug().Str("session", fromSessionID).Str("target", targetSessionID).Str("kind", kind).Msg("signal target unreachable")
		return false
	}
	out.add(targetSessionID, c.frame(kind, protocol.RelayedSignalMsg{
		FromSessionID: fromSessionID,
		Payload:       payload,
	}))
	c.release(out)

	metrics.SignalsTotal.WithLabelValues("relayed").Inc()
	return true
}
