package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts those with
// no inbound frame within Interval + Timeout. It exits when done closes.
func (s *Server) startHeartbeat(config HeartbeatConfig, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.WithField("session", c.ID).Infof("[ws] heartbeat timeout, last activity %s ago",
				idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically; the pong counts as
		// activity in the read loop.
		if err := c.WritePing(); err != nil {
			s.log.WithError(err).WithField("session", c.ID).Info("[ws] heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
