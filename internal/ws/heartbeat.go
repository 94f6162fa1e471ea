package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period after Interval before a silent peer is dropped
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those that
// sent nothing for Interval+Timeout. Browsers answer pings with pongs, which
// count as activity. The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections removes stale connections and pings the rest. Removal goes
// through RemoveConnection, so the application sees a normal disconnect.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			server.log.Info().Str("session", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debug().Err(err).Str("session", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
		}
	}
}
