package authcore

import (
	"context"
	"time"
)

// HealthStatus is an on-demand backend health result.
type HealthStatus struct {
	RedisAvailable bool          `json:"redis_available"`
	RedisLatency   time.Duration `json:"redis_latency_ns"`
}

// Health pings Redis. It never returns an error; an unreachable backend is
// reported through RedisAvailable.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if !e.ready() {
		return HealthStatus{}
	}

	latency, err := e.sessionStore.Ping(ctx)
	if err != nil {
		e.warn("authcore: redis health check failed", "error", err)
	}
	return HealthStatus{
		RedisAvailable: err == nil,
		RedisLatency:   latency,
	}
}

// ActiveSessionCount returns how many of identityID's sessions are live
// at the engine clock.
func (e *Engine) ActiveSessionCount(ctx context.Context, identityID string) (int, error) {
	sessions, err := e.ListSessions(ctx, identityID, "")
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}
