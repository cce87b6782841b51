package dispatch

import (
	"time"

	"github.com/ramiqadoumi/campus-dispatch/internal/ranking"
)

// Settings is the tunable part of dispatch shared by every service config.
// Zero fields fall back to the defaults.
type Settings struct {
	OfferTimeout    time.Duration
	RadiusMeters    float64
	HeartbeatWindow time.Duration
	LocationWindow  time.Duration
	LockTTL         time.Duration
}

// DefaultLockTTL bounds how long one evaluation may hold a task.
const DefaultLockTTL = 5 * time.Second

// NewEngine builds an Engine from s.
func (s Settings) NewEngine() *Engine {
	p := ranking.DefaultPolicy()
	if s.RadiusMeters > 0 {
		p.RadiusMeters = s.RadiusMeters
	}
	if s.HeartbeatWindow > 0 {
		p.HeartbeatWindow = s.HeartbeatWindow
	}
	if s.LocationWindow > 0 {
		p.LocationWindow = s.LocationWindow
	}
	timeout := s.OfferTimeout
	if timeout <= 0 {
		timeout = DefaultOfferTimeout
	}
	return NewEngine(WithPolicy(p), WithOfferTimeout(timeout))
}

// LockTTLOrDefault returns LockTTL, or DefaultLockTTL when unset.
func (s Settings) LockTTLOrDefault() time.Duration {
	if s.LockTTL <= 0 {
		return DefaultLockTTL
	}
	return s.LockTTL
}
