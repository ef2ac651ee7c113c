package domain

import (
	"fmt"
	"sync"
)

// Role-specific allocation bounds.
const (
	MB = int64(1) << 20
	GB = int64(1) << 30

	MobileMinAllocation       = 50 * MB
	MobileMaxAllocationCap    = 10 * GB
	MobileMaxAllocationPct    = 2
	IntermittentMinAllocation = 100 * MB
	IntermittentMaxAllocPct   = 50
	AlwaysOnMinAllocation     = 1 * GB
	AlwaysOnMaxAllocPct       = 90
)

// AllocationBounds returns the allowed [min, max] budget for a role on a
// device with the given total capacity.
func AllocationBounds(role Role, deviceCapacity int64) (minBytes, maxBytes int64) {
	switch role {
	case RoleMobile:
		maxBytes = deviceCapacity * MobileMaxAllocationPct / 100
		if maxBytes > MobileMaxAllocationCap {
			maxBytes = MobileMaxAllocationCap
		}
		minBytes = MobileMinAllocation
	case RoleIntermittent:
		minBytes, maxBytes = IntermittentMinAllocation, deviceCapacity*IntermittentMaxAllocPct/100
	default:
		minBytes, maxBytes = AlwaysOnMinAllocation, deviceCapacity*AlwaysOnMaxAllocPct/100
	}
	if maxBytes < minBytes {
		maxBytes = minBytes
	}
	return minBytes, maxBytes
}

// StorageAllocation is a per-tier storage budget on this device.
type StorageAllocation struct {
	mu sync.Mutex

	Tier          Tier  `json:"tier"`
	TotalCapacity int64 `json:"total_capacity_bytes"`
	Allocated     int64 `json:"allocated_bytes"`
	Used          int64 `json:"used_bytes"`
}

// NewStorageAllocation creates an allocation with the given budget.
func NewStorageAllocation(tier Tier, totalCapacity, allocated int64) *StorageAllocation {
	return &StorageAllocation{
		Tier:          tier,
		TotalCapacity: totalCapacity,
		Allocated:     allocated,
	}
}

// Free returns the unused budget.
func (a *StorageAllocation) Free() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Allocated - a.Used
}

// Reserve consumes n bytes of budget or fails without side effects.
func (a *StorageAllocation) Reserve(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Used+n > a.Allocated {
		return ErrAllocationExceeded.WithDetails(
			fmt.Sprintf("tier %s: need %d bytes, %d of %d free", a.Tier, n, a.Allocated-a.Used, a.Allocated))
	}
	a.Used += n
	return nil
}

// ForceReserve records n bytes as used without checking the budget. It is
// used when accounting for data that is already on disk.
func (a *StorageAllocation) ForceReserve(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Used += n
}

// Release returns n bytes to the budget.
func (a *StorageAllocation) Release(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Used -= n
	if a.Used < 0 {
		a.Used = 0
	}
}

// Resize changes the budget. Shrinking below current usage is refused;
// existing shards are never evicted to make room.
func (a *StorageAllocation) Resize(role Role, allocated int64) error {
	minBytes, maxBytes := AllocationBounds(role, a.TotalCapacity)
	if allocated < minBytes || allocated > maxBytes {
		return ErrAllocationOutOfBounds.WithDetails(
			fmt.Sprintf("%d bytes outside [%d, %d] for role %s", allocated, minBytes, maxBytes, role))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if allocated < a.Used {
		return ErrAllocationExceeded.WithDetails(
			fmt.Sprintf("tier %s already uses %d bytes", a.Tier, a.Used))
	}
	a.Allocated = allocated
	return nil
}

// Snapshot returns a copy of the counters.
func (a *StorageAllocation) Snapshot() (allocated, used int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Allocated, a.Used
}
