package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEvaluate(t *testing.T) {
	p := DefaultPolicyConfig()
	battery := func(pct int, charging bool) domain.BatteryState {
		return domain.BatteryState{Percent: pct, Charging: charging}
	}

	tests := []struct {
		name   string
		device DeviceState
		want   Action
	}{
		{"offline desktop", DeviceState{domain.RoleAlwaysOn, battery(100, true), domain.NetworkNone}, ActionIdle},
		{"desktop", DeviceState{domain.RoleAlwaysOn, battery(100, true), domain.NetworkEthernet}, ActionSync},
		{"laptop plugged", DeviceState{domain.RoleIntermittent, battery(10, true), domain.NetworkWiFi}, ActionSync},
		{"laptop unplugged full", DeviceState{domain.RoleIntermittent, battery(80, false), domain.NetworkWiFi}, ActionSync},
		{"laptop at threshold", DeviceState{domain.RoleIntermittent, battery(50, false), domain.NetworkWiFi}, ActionSync},
		{"laptop low", DeviceState{domain.RoleIntermittent, battery(30, false), domain.NetworkWiFi}, ActionDefer},
		{"phone on cellular battery", DeviceState{domain.RoleMobile, battery(90, false), domain.NetworkCellular}, ActionIdle},
		{"phone charging cellular", DeviceState{domain.RoleMobile, battery(90, true), domain.NetworkCellular}, ActionIdle},
		{"phone on wifi battery", DeviceState{domain.RoleMobile, battery(90, false), domain.NetworkWiFi}, ActionIdle},
		{"phone charging wifi", DeviceState{domain.RoleMobile, battery(40, true), domain.NetworkWiFi}, ActionSync},
		{"unknown role", DeviceState{domain.Role("toaster"), battery(100, true), domain.NetworkWiFi}, ActionIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.device, p)
			if v.Action != tt.want {
				t.Errorf("Evaluate() = %v (%s), want %v", v.Action, v.Reason, tt.want)
			}
			if v.Reason == "" {
				t.Error("verdict without reason")
			}
		})
	}
}

func TestEvaluate_DeferralProportionalToCharge(t *testing.T) {
	p := DefaultPolicyConfig()
	prev := time.Duration(0)
	for pct := 0; pct < p.BatteryThreshold; pct++ {
		v := Evaluate(DeviceState{domain.RoleIntermittent, domain.BatteryState{Percent: pct}, domain.NetworkWiFi}, p)
		if v.Action != ActionDefer {
			t.Fatalf("battery %d%%: action = %v, want defer", pct, v.Action)
		}
		if v.Delay < p.DeferMin || v.Delay > p.DeferMax {
			t.Fatalf("battery %d%%: delay %v outside [%v, %v]", pct, v.Delay, p.DeferMin, p.DeferMax)
		}
		if pct > 0 && v.Delay <= prev {
			t.Fatalf("battery %d%%: delay %v not longer than %v at lower charge", pct, v.Delay, prev)
		}
		prev = v.Delay
	}

	tests := []struct {
		percent int
		want    time.Duration
	}{
		{0, p.DeferMin},
		{10, 10 * time.Minute},
		{40, 25 * time.Minute},
	}
	for _, tt := range tests {
		v := Evaluate(DeviceState{domain.RoleIntermittent, domain.BatteryState{Percent: tt.percent}, domain.NetworkWiFi}, p)
		if v.Delay != tt.want {
			t.Errorf("battery %d%%: delay = %v, want %v", tt.percent, v.Delay, tt.want)
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func device(role domain.Role, pct int, charging bool, network domain.NetworkKind) func() DeviceState {
	return func() DeviceState {
		return DeviceState{Role: role, Battery: domain.BatteryState{Percent: pct, Charging: charging}, Network: network}
	}
}

func TestScheduler_Step(t *testing.T) {
	tests := []struct {
		name       string
		readDevice func() DeviceState
		syncErr    error
		want       []State
		wantDelay  bool
		wantCalls  int
	}{
		{
			name:       "sync succeeds",
			readDevice: device(domain.RoleAlwaysOn, 100, true, domain.NetworkEthernet),
			want:       []State{StateEvaluating, StateSyncing, StateIdle},
			wantCalls:  1,
		},
		{
			name:       "policy keeps idle",
			readDevice: device(domain.RoleMobile, 80, false, domain.NetworkCellular),
			want:       []State{StateEvaluating, StateIdle},
		},
		{
			name:       "battery deferral",
			readDevice: device(domain.RoleIntermittent, 20, false, domain.NetworkWiFi),
			want:       []State{StateEvaluating, StateBackoff},
			wantDelay:  true,
		},
		{
			name:       "transport failure backs off",
			readDevice: device(domain.RoleAlwaysOn, 100, true, domain.NetworkEthernet),
			syncErr:    domain.ErrTransportUnavailable,
			want:       []State{StateEvaluating, StateSyncing, StateBackoff},
			wantDelay:  true,
			wantCalls:  1,
		},
		{
			name:       "permanent failure returns to idle",
			readDevice: device(domain.RoleAlwaysOn, 100, true, domain.NetworkEthernet),
			syncErr:    errors.New("disk on fire"),
			want:       []State{StateEvaluating, StateSyncing, StateIdle},
			wantCalls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			calls := 0
			s := New(SyncFunc(func(context.Context) error {
				calls++
				return tt.syncErr
			}), Config{Device: tt.readDevice, OnState: rec.record})

			delay := s.Step(context.Background())
			if got := rec.snapshot(); !equalStates(got, tt.want) {
				t.Errorf("transitions = %v, want %v", got, tt.want)
			}
			if (delay > 0) != tt.wantDelay {
				t.Errorf("delay = %v, wantDelay %v", delay, tt.wantDelay)
			}
			if calls != tt.wantCalls {
				t.Errorf("sync calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestScheduler_SetPolicy(t *testing.T) {
	calls := 0
	s := New(SyncFunc(func(context.Context) error {
		calls++
		return nil
	}), Config{Device: device(domain.RoleIntermittent, 30, false, domain.NetworkWiFi)})

	if delay := s.Step(context.Background()); delay == 0 || calls != 0 {
		t.Fatalf("default policy: delay = %v, calls = %d", delay, calls)
	}

	p := DefaultPolicyConfig()
	p.BatteryThreshold = 20
	s.SetPolicy(p)
	if got := s.Policy().BatteryThreshold; got != 20 {
		t.Fatalf("Policy().BatteryThreshold = %d", got)
	}
	if delay := s.Step(context.Background()); delay != 0 || calls != 1 {
		t.Errorf("lowered threshold: delay = %v, calls = %d", delay, calls)
	}

	s.SetPolicy(PolicyConfig{})
	if s.Policy() != DefaultPolicyConfig() {
		t.Errorf("zero policy = %+v, want defaults", s.Policy())
	}
}

func TestScheduler_Backoff(t *testing.T) {
	s := New(nil, Config{BackoffBase: time.Second, BackoffCap: 30 * time.Minute})

	for n := 1; n <= 40; n++ {
		ceiling := time.Second << min(n-1, 20)
		if ceiling > 30*time.Minute {
			ceiling = 30 * time.Minute
		}
		for i := 0; i < 20; i++ {
			d := s.backoff(n)
			if d < time.Second || d > ceiling {
				t.Fatalf("backoff(%d) = %v, want within [1s, %v]", n, d, ceiling)
			}
		}
	}
	if d := s.backoff(1); d != time.Second {
		t.Errorf("first backoff = %v, want base", d)
	}
}

func TestScheduler_RunTriggers(t *testing.T) {
	synced := make(chan struct{}, 10)
	s := New(SyncFunc(func(context.Context) error {
		synced <- struct{}{}
		return nil
	}), Config{Device: device(domain.RoleAlwaysOn, 100, true, domain.NetworkEthernet)})

	events := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, events)
		close(done)
	}()

	s.Trigger()
	waitSync(t, synced)

	events <- struct{}{}
	waitSync(t, synced)

	cancel()
	<-done
	if got := s.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
}

func TestScheduler_RunRetriesAfterBackoff(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	synced := make(chan struct{}, 10)
	s := New(SyncFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return domain.ErrQuorumNotReached
		}
		synced <- struct{}{}
		return nil
	}), Config{
		Device:      device(domain.RoleAlwaysOn, 100, true, domain.NetworkEthernet),
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Trigger()
	waitSync(t, synced)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func waitSync(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("sync pass did not run")
	}
}
