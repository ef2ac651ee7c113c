// Package placement decides which destinations receive the shards of a file.
//
// Peers are scored on four normalized factors:
//
//	score = w.Capacity*capacity + w.Availability*availability
//	      + w.Power*power + w.Transport*transport_quality
//
// A mobile peer running on battery below the floor is excluded outright,
// whatever the weights. The local store takes shard 0 when it has room.
// The DHT and the backend are constant-score destinations that fill
// remaining slots, and at least one of them gets a shard whenever one is
// available so the file survives loss of the whole local mesh.
//
// When fewer destinations clear the score floor than the policy asks for,
// the policy is lowered with codec.RecommendPolicy instead of placing a
// shard on a destination that should not get one.
package placement

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/yndnr/shardmesh-go/internal/core/codec"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/transport"
)

// Weights are the factor weights. They need not sum to one.
type Weights struct {
	Capacity     float64 `koanf:"capacity"`
	Availability float64 `koanf:"availability"`
	Power        float64 `koanf:"power"`
	Transport    float64 `koanf:"transport"`
}

// DefaultWeights is 0.4/0.3/0.2/0.1.
var DefaultWeights = Weights{Capacity: 0.4, Availability: 0.3, Power: 0.2, Transport: 0.1}

// Config tunes the allocator.
type Config struct {
	Weights Weights
	// BatteryFloor is the charge percentage below which a mobile peer on
	// battery is never selected.
	BatteryFloor int
	// ScoreFloor is the minimum score for a peer to be eligible.
	ScoreFloor float64
	// CapacityCeiling is how many shards of free space earn full capacity score.
	CapacityCeiling float64
	// GlobalScore is the constant score of the DHT and backend destinations.
	GlobalScore float64
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights,
		BatteryFloor:    20,
		ScoreFloor:      0.05,
		CapacityCeiling: 10,
		GlobalScore:     0.3,
	}
}

// Destination is one place a shard can go.
type Destination struct {
	ID        string
	Tier      domain.Tier
	Transport transport.Kind
	PublicKey []byte
}

// NodeScore is the scoring of one candidate for one decision. Excluded is
// empty for eligible candidates.
type NodeScore struct {
	Destination
	Score float64

	Capacity         float64
	Availability     float64
	Power            float64
	TransportQuality float64

	Excluded string
}

// Candidates is everything one decision looks at. Peers is a snapshot whose
// ReachableVia lists only transports that are currently up.
type Candidates struct {
	LocalID  string
	LocalKey []byte
	Local    *domain.StorageAllocation
	Peers    []domain.PeerNode
	Classes  map[transport.Kind]transport.Class
	DHT      bool
	// DHTMaxValue is the largest shard the DHT accepts. Zero means no limit.
	DHTMaxValue int64
	Backend     bool
	BackendID   string
}

// Assignment maps a shard index to its destination.
type Assignment struct {
	Index       uint8
	Destination Destination
}

// Plan is the result of one allocation.
type Plan struct {
	Requested   codec.Policy
	Policy      codec.Policy
	Assignments []Assignment
	Scores      []NodeScore
}

// Degraded reports whether the policy was lowered.
func (p *Plan) Degraded() bool {
	return p.Policy != p.Requested
}

// HasGlobal reports whether any shard goes to the DHT or backend.
func (p *Plan) HasGlobal() bool {
	for _, a := range p.Assignments {
		if a.Destination.Tier.IsGlobal() {
			return true
		}
	}
	return false
}

// Allocator scores candidates and builds plans. It holds no peer state.
type Allocator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an allocator.
func New(cfg Config, logger *slog.Logger) *Allocator {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.BatteryFloor <= 0 {
		cfg.BatteryFloor = def.BatteryFloor
	}
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = def.ScoreFloor
	}
	if cfg.CapacityCeiling <= 0 {
		cfg.CapacityCeiling = def.CapacityCeiling
	}
	if cfg.GlobalScore <= 0 {
		cfg.GlobalScore = def.GlobalScore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{cfg: cfg, logger: logger.With("component", "allocator")}
}

// BatteryGated reports whether p must never receive a shard because it is a
// mobile device running low on battery.
func (a *Allocator) BatteryGated(p domain.PeerNode) bool {
	return p.Role == domain.RoleMobile && p.Battery.OnBattery() && p.Battery.Percent < a.cfg.BatteryFloor
}

// ScorePeer scores one peer for a shard of shardSize bytes.
func (a *Allocator) ScorePeer(p domain.PeerNode, shardSize int64, classes map[transport.Kind]transport.Class) NodeScore {
	ns := NodeScore{Destination: Destination{ID: p.NodeID, Tier: domain.TierPeer, PublicKey: p.PublicKey}}

	switch {
	case !p.IsLive():
		ns.Excluded = "not live"
		return ns
	case len(p.ReachableVia) == 0:
		ns.Excluded = "no transport"
		return ns
	case len(p.PublicKey) == 0:
		ns.Excluded = "no public key"
		return ns
	case a.BatteryGated(p):
		ns.Excluded = "battery below floor"
		return ns
	case p.AdvertisedCapacity < shardSize:
		ns.Excluded = "insufficient capacity"
		return ns
	}

	best := bestKind(p.ReachableVia)
	ns.Transport = best
	class, ok := classes[best]
	if !ok {
		class = transport.Class{Throughput: best.ThroughputRank(), PowerCost: 1}
	}

	ns.Capacity = a.capacityFactor(p.AdvertisedCapacity, shardSize)
	ns.Availability = availability(p)
	ns.Power = 1 / float64(max(class.PowerCost, 1))
	ns.TransportQuality = clamp01(float64(class.Throughput) / float64(domain.TransportLAN.ThroughputRank()))

	w := a.cfg.Weights
	ns.Score = w.Capacity*ns.Capacity + w.Availability*ns.Availability +
		w.Power*ns.Power + w.Transport*ns.TransportQuality
	if ns.Score < a.cfg.ScoreFloor {
		ns.Excluded = fmt.Sprintf("score %.3f below floor", ns.Score)
	}
	return ns
}

func (a *Allocator) capacityFactor(free, shardSize int64) float64 {
	if shardSize <= 0 {
		return 1
	}
	return clamp01(float64(free) / (float64(shardSize) * a.cfg.CapacityCeiling))
}

// availability maps role and power state to [0,1].
func availability(p domain.PeerNode) float64 {
	switch p.Role {
	case domain.RoleAlwaysOn:
		return 1.0
	case domain.RoleIntermittent:
		switch {
		case p.Battery.Charging:
			return 0.75
		case p.Battery.Percent > 50:
			return 0.5 + 0.25*float64(p.Battery.Percent-50)/50
		default:
			return 0.25
		}
	case domain.RoleMobile:
		if p.Battery.Charging {
			return 0.5
		}
		return 0.25 * float64(p.Battery.Percent) / 100
	default:
		return 0
	}
}

// Allocate builds a plan for shards of shardSize bytes under the requested
// policy. It fails with ErrAllocationExceeded when budgets alone leave no
// destination, and ErrNoDestinations otherwise.
func (a *Allocator) Allocate(requested codec.Policy, shardSize int64, c Candidates) (*Plan, error) {
	if err := requested.Validate(); err != nil {
		return nil, err
	}

	var (
		local     *Destination
		budgetErr error
		scores    []NodeScore
		peers     []NodeScore
		globals   []NodeScore
	)

	if c.Local != nil {
		if free := c.Local.Free(); free >= shardSize {
			local = &Destination{ID: c.LocalID, Tier: domain.TierLocal, PublicKey: c.LocalKey}
			scores = append(scores, NodeScore{Destination: *local, Score: 1})
		} else {
			budgetErr = domain.ErrAllocationExceeded.WithDetails(
				fmt.Sprintf("local tier has %d bytes free, shard needs %d", free, shardSize))
			scores = append(scores, NodeScore{
				Destination: Destination{ID: c.LocalID, Tier: domain.TierLocal},
				Excluded:    "local budget full",
			})
		}
	}

	for _, p := range c.Peers {
		if p.NodeID == c.LocalID {
			continue
		}
		ns := a.ScorePeer(p, shardSize, c.Classes)
		scores = append(scores, ns)
		if ns.Excluded == "" {
			peers = append(peers, ns)
		}
	}

	if c.DHT {
		dht := Destination{ID: "dht", Tier: domain.TierDHT}
		if c.DHTMaxValue > 0 && shardSize > c.DHTMaxValue {
			scores = append(scores, NodeScore{Destination: dht, Excluded: "shard exceeds dht value limit"})
		} else {
			globals = append(globals, NodeScore{Destination: dht, Score: a.cfg.GlobalScore})
		}
	}
	if c.Backend {
		id := c.BackendID
		if id == "" {
			id = "backend"
		}
		globals = append(globals, NodeScore{Destination: Destination{ID: id, Tier: domain.TierBackend}, Score: a.cfg.GlobalScore})
	}
	scores = append(scores, globals...)

	sortScores(peers)

	available := len(peers) + len(globals)
	if local != nil {
		available++
	}
	if available == 0 {
		if budgetErr != nil {
			return nil, budgetErr
		}
		return nil, domain.ErrNoDestinations.WithDetails("no local store, peer, DHT or backend available")
	}

	policy := effectivePolicy(requested, available)
	if policy.LocalOnly && local == nil {
		return nil, domain.ErrNoDestinations.WithDetails("a single destination requires the local store")
	}

	selected := a.selectDestinations(policy.Total, local, peers, globals)
	plan := &Plan{Requested: requested, Policy: policy, Scores: scores}
	for i, d := range selected {
		plan.Assignments = append(plan.Assignments, Assignment{Index: uint8(i), Destination: d})
	}

	if plan.Degraded() {
		a.logger.Info("placement degraded",
			"requested", requested.String(), "effective", policy.String(), "destinations", available)
	}
	return plan, nil
}

// selectDestinations picks n distinct destinations: local first, then one
// global if any, then the best of the rest by score.
func (a *Allocator) selectDestinations(n int, local *Destination, peers, globals []NodeScore) []Destination {
	out := make([]Destination, 0, n)
	if local != nil {
		out = append(out, *local)
	}
	if len(out) >= n {
		return out
	}

	rest := make([]NodeScore, 0, len(peers)+len(globals))
	rest = append(rest, peers...)
	if len(globals) > 0 && n > len(out) && n > 1 {
		out = append(out, globals[0].Destination)
		rest = append(rest, globals[1:]...)
	} else {
		rest = append(rest, globals...)
	}
	sortScores(rest)

	for _, ns := range rest {
		if len(out) >= n {
			break
		}
		out = append(out, ns.Destination)
	}
	return out
}

// effectivePolicy lowers requested to fit the number of destinations.
func effectivePolicy(requested codec.Policy, available int) codec.Policy {
	if requested.LocalOnly || available >= requested.Total {
		return requested
	}
	rec := codec.RecommendPolicy(available)
	if rec.LocalOnly {
		return rec
	}
	if requested.Threshold < rec.Threshold {
		rec.Threshold = max(requested.Threshold, 2)
	}
	return rec
}

func sortScores(s []NodeScore) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].ID < s[j].ID
	})
}

func bestKind(kinds []transport.Kind) transport.Kind {
	best := kinds[0]
	for _, k := range kinds[1:] {
		if k.ThroughputRank() > best.ThroughputRank() {
			best = k
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
