package scheduler

import (
	"fmt"
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// DeviceState is what the policy looks at.
type DeviceState struct {
	Role    domain.Role
	Battery domain.BatteryState
	Network domain.NetworkKind
}

// Action is a policy outcome.
type Action int

const (
	ActionIdle Action = iota
	ActionSync
	ActionDefer
)

// Verdict is the result of evaluating a device state.
type Verdict struct {
	Action Action
	// Delay is set for ActionDefer.
	Delay  time.Duration
	Reason string
}

// PolicyConfig holds the thresholds of the policy table.
type PolicyConfig struct {
	// BatteryThreshold is the charge below which an intermittent device on
	// battery defers.
	BatteryThreshold int `koanf:"battery_threshold"`
	// DeferMin and DeferMax bound the battery deferral, which is
	// proportional to the remaining charge: an empty device waits DeferMin
	// and one just under the threshold waits close to DeferMax.
	DeferMin time.Duration `koanf:"defer_min"`
	DeferMax time.Duration `koanf:"defer_max"`
}

// DefaultPolicyConfig returns a 50% threshold and a 5..30 minute deferral.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		BatteryThreshold: 50,
		DeferMin:         5 * time.Minute,
		DeferMax:         30 * time.Minute,
	}
}

// Evaluate applies the policy table:
//
//	no network                          idle
//	always-on                           sync
//	intermittent, charging              sync
//	intermittent, battery >= threshold  sync
//	intermittent, battery <  threshold  defer, longer as the battery drains
//	mobile, charging on wifi/ethernet   sync
//	mobile, otherwise                   idle
func Evaluate(d DeviceState, p PolicyConfig) Verdict {
	if d.Network == domain.NetworkNone || d.Network == "" {
		return Verdict{Action: ActionIdle, Reason: "no network"}
	}

	switch d.Role {
	case domain.RoleAlwaysOn:
		return Verdict{Action: ActionSync, Reason: "always-on"}

	case domain.RoleIntermittent:
		if d.Battery.Charging {
			return Verdict{Action: ActionSync, Reason: "on external power"}
		}
		if d.Battery.Percent >= p.BatteryThreshold {
			return Verdict{Action: ActionSync, Reason: fmt.Sprintf("battery %d%%", d.Battery.Percent)}
		}
		return Verdict{
			Action: ActionDefer,
			Delay:  batteryDeferral(d.Battery.Percent, p),
			Reason: fmt.Sprintf("battery %d%% below %d%%", d.Battery.Percent, p.BatteryThreshold),
		}

	case domain.RoleMobile:
		unmetered := d.Network == domain.NetworkWiFi || d.Network == domain.NetworkEthernet
		if d.Battery.Charging && unmetered {
			return Verdict{Action: ActionSync, Reason: "charging on unmetered network"}
		}
		return Verdict{Action: ActionIdle, Reason: "mobile on battery or metered network"}

	default:
		return Verdict{Action: ActionIdle, Reason: "unknown role " + string(d.Role)}
	}
}

func batteryDeferral(percent int, p PolicyConfig) time.Duration {
	percent = max(0, min(percent, p.BatteryThreshold))
	if p.BatteryThreshold <= 0 {
		return p.DeferMin
	}
	return p.DeferMin + (p.DeferMax-p.DeferMin)*time.Duration(percent)/time.Duration(p.BatteryThreshold)
}
