// Package cluster lets several runners of the same stage share work: runners
// register under a network address, heartbeat, and route each idempotency
// key to the live runner that owns it.
package cluster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Runner is one registered process serving a stage.
type Runner struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Address   string    `json:"address"`
	StartedAt time.Time `json:"startedAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Registry tracks runners.
type Registry interface {
	Register(ctx context.Context, r Runner) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	Deregister(ctx context.Context, id string) error
	// Live returns the stage's runners seen at or after since.
	Live(ctx context.Context, stage string, since time.Time) ([]Runner, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// MembershipConfig controls heartbeat cadence.
type MembershipConfig struct {
	Interval time.Duration
	// TTL is how long a runner stays live without a heartbeat.
	TTL time.Duration
}

// Membership keeps one runner registered while Run is active.
type Membership struct {
	registry Registry
	self     Runner
	cfg      MembershipConfig
	clock    Clock
	logger   *zap.Logger
}

// NewMembership constructs a Membership for self.
func NewMembership(registry Registry, self Runner, cfg MembershipConfig, clock Clock, logger *zap.Logger) (*Membership, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if self.ID == "" || self.Stage == "" {
		return nil, fmt.Errorf("runner id and stage are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Membership{registry: registry, self: self, cfg: cfg, clock: clock, logger: logger}, nil
}

// Self returns this runner.
func (m *Membership) Self() Runner {
	return m.self
}

// Peers returns the live runners of this runner's stage.
func (m *Membership) Peers(ctx context.Context) ([]Runner, error) {
	return m.registry.Live(ctx, m.self.Stage, m.clock.Now().Add(-m.cfg.TTL))
}

// Run registers the runner, heartbeats until ctx ends, then deregisters.
func (m *Membership) Run(ctx context.Context) error {
	now := m.clock.Now()
	self := m.self
	self.StartedAt = now
	self.LastSeen = now
	if err := m.registry.Register(ctx, self); err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	m.logger.Info("runner registered", zap.String("runner_id", self.ID), zap.String("address", self.Address))

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			deregCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.registry.Deregister(deregCtx, self.ID); err != nil {
				m.logger.Warn("runner deregister failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := m.registry.Heartbeat(ctx, self.ID, m.clock.Now()); err != nil {
				m.logger.Warn("runner heartbeat failed", zap.Error(err))
			}
		}
	}
}
