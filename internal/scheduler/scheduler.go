// Package scheduler decides when this device may push and pull shards.
//
// The scheduler is a four-state machine:
//
//	Idle -> Evaluating -> Syncing -> Idle
//	             |            |
//	             +-> Backoff <+
//
// A trigger (periodic tick, discovery change, manual Trigger) moves Idle to
// Evaluating, which consults the power and network policy. Syncing runs one
// placement pass. A transient failure enters Backoff with exponentially
// growing, jittered delays; a battery deferral enters Backoff for an interval
// that grows as the battery drains. Triggers received during Backoff are
// ignored until the delay expires.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// State is a scheduler state.
type State int32

const (
	StateIdle State = iota
	StateEvaluating
	StateSyncing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateSyncing:
		return "syncing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Syncer runs one placement pass.
type Syncer interface {
	SyncPending(ctx context.Context) error
}

// SyncFunc adapts a function to Syncer.
type SyncFunc func(ctx context.Context) error

// SyncPending calls f.
func (f SyncFunc) SyncPending(ctx context.Context) error { return f(ctx) }

// Config tunes the scheduler.
type Config struct {
	// Device reports the device's current power and network state.
	Device func() DeviceState
	// Interval is the periodic trigger. Zero disables it.
	Interval time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration

	Policy PolicyConfig

	// OnState is called on every transition. Optional.
	OnState func(State)
	Logger  *slog.Logger
}

// DefaultConfig returns a 5 minute tick and a 1s..30min backoff.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Minute,
		Policy:      DefaultPolicyConfig(),
	}
}

// Scheduler is the sync loop of one device.
type Scheduler struct {
	cfg    Config
	syncer Syncer
	logger *slog.Logger

	state    atomic.Int32
	policy   atomic.Pointer[PolicyConfig]
	failures int
	trigger  chan struct{}
}

// New creates a scheduler driving syncer.
func New(syncer Syncer, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.Policy == (PolicyConfig{}) {
		cfg.Policy = def.Policy
	}
	if cfg.Device == nil {
		cfg.Device = func() DeviceState {
			return DeviceState{Role: domain.RoleAlwaysOn, Battery: domain.BatteryState{Percent: 100, Charging: true}, Network: domain.NetworkEthernet}
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		cfg:     cfg,
		syncer:  syncer,
		logger:  cfg.Logger.With("component", "scheduler"),
		trigger: make(chan struct{}, 1),
	}
	s.SetPolicy(cfg.Policy)
	return s
}

// SetPolicy replaces the power and network policy. It takes effect on the
// next evaluation.
func (s *Scheduler) SetPolicy(p PolicyConfig) {
	if p == (PolicyConfig{}) {
		p = DefaultPolicyConfig()
	}
	s.policy.Store(&p)
}

// Policy returns the policy in effect.
func (s *Scheduler) Policy() PolicyConfig {
	return *s.policy.Load()
}

// State returns the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("state transition", "from", prev.String(), "to", next.String())
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(next)
	}
}

// Trigger requests an evaluation. It never blocks; triggers coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. Every receive on one
// of sources counts as a trigger.
func (s *Scheduler) Run(ctx context.Context, sources ...<-chan struct{}) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for _, src := range sources {
		wg.Add(1)
		go func(src <-chan struct{}) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-src:
					if !ok {
						return
					}
					s.Trigger()
				}
			}
		}(src)
	}

	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var wait *time.Timer
	defer func() {
		if wait != nil {
			wait.Stop()
		}
	}()

	for {
		var waitC <-chan time.Time
		if wait != nil {
			waitC = wait.C
		}

		select {
		case <-ctx.Done():
			return
		case <-tick:
			if s.State() == StateBackoff {
				continue
			}
		case <-s.trigger:
			if s.State() == StateBackoff {
				continue
			}
		case <-waitC:
			wait = nil
		}

		if delay := s.Step(ctx); delay > 0 {
			wait = time.NewTimer(delay)
		}
	}
}

// Step runs one evaluation and, when allowed, one sync pass. It returns the
// backoff delay, or zero when the scheduler is back in Idle.
func (s *Scheduler) Step(ctx context.Context) time.Duration {
	s.setState(StateEvaluating)

	device := s.cfg.Device()
	v := Evaluate(device, s.Policy())
	switch v.Action {
	case ActionIdle:
		s.logger.Debug("sync not allowed", "reason", v.Reason)
		s.setState(StateIdle)
		return 0
	case ActionDefer:
		s.logger.Info("sync deferred", "reason", v.Reason, "delay", v.Delay)
		s.setState(StateBackoff)
		return v.Delay
	}

	s.setState(StateSyncing)
	err := s.syncer.SyncPending(ctx)
	switch {
	case err == nil:
		s.failures = 0
		s.setState(StateIdle)
		return 0
	case ctx.Err() != nil:
		s.setState(StateIdle)
		return 0
	case isTransient(err):
		s.failures++
		delay := s.backoff(s.failures)
		s.logger.Warn("sync failed, backing off", "error", err, "failures", s.failures, "delay", delay)
		s.setState(StateBackoff)
		return delay
	default:
		s.failures = 0
		s.logger.Error("sync failed", "error", err)
		s.setState(StateIdle)
		return 0
	}
}

// backoff returns a jittered delay in [base, min(cap, base*2^(n-1))].
func (s *Scheduler) backoff(n int) time.Duration {
	ceiling := s.cfg.BackoffBase
	for i := 1; i < n && ceiling < s.cfg.BackoffCap; i++ {
		ceiling *= 2
	}
	if ceiling > s.cfg.BackoffCap {
		ceiling = s.cfg.BackoffCap
	}
	spread := ceiling - s.cfg.BackoffBase
	if spread <= 0 {
		return ceiling
	}
	return s.cfg.BackoffBase + rand.N(spread+1)
}

func isTransient(err error) bool {
	return domain.IsRetryable(err) || errors.Is(err, domain.ErrNoDestinations)
}
