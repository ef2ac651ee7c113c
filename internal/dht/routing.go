package dht

import (
	"sort"
	"sync"
)

const numBuckets = IDLength * 8

type bucket struct {
	// contacts are ordered least recently seen first.
	contacts     []Contact
	replacements []Contact
}

// RoutingTable is a set of k-buckets indexed by shared prefix length.
//
// A full bucket keeps its long-lived contacts and parks newcomers in a
// replacement cache; a replacement is promoted when a contact is removed
// after failing to answer.
type RoutingTable struct {
	self ID
	k    int

	mu      sync.RWMutex
	buckets [numBuckets]bucket
}

// NewRoutingTable creates an empty table for self.
func NewRoutingTable(self ID, k int) *RoutingTable {
	return &RoutingTable{self: self, k: k}
}

func (rt *RoutingTable) bucketFor(id ID) *bucket {
	idx := prefixLen(rt.self, id)
	if idx >= numBuckets {
		idx = numBuckets - 1
	}
	return &rt.buckets[idx]
}

// Update records that c was just seen. It returns false if c was parked in
// the replacement cache because its bucket is full.
func (rt *RoutingTable) Update(c Contact) bool {
	if c.ID == rt.self || c.Addr == "" {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.bucketFor(c.ID)

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return true
		}
	}
	if len(b.contacts) < rt.k {
		b.contacts = append(b.contacts, c)
		return true
	}

	for i, existing := range b.replacements {
		if existing.ID == c.ID {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			break
		}
	}
	b.replacements = append(b.replacements, c)
	if len(b.replacements) > rt.k {
		b.replacements = b.replacements[1:]
	}
	return false
}

// Remove drops a contact that failed to respond and promotes the most
// recently seen replacement.
func (rt *RoutingTable) Remove(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.bucketFor(id)

	for i, existing := range b.contacts {
		if existing.ID != id {
			continue
		}
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
		if n := len(b.replacements); n > 0 {
			b.contacts = append(b.contacts, b.replacements[n-1])
			b.replacements = b.replacements[:n-1]
		}
		return
	}
}

// Closest returns up to n known contacts nearest to target.
func (rt *RoutingTable) Closest(target ID, n int) []Contact {
	rt.mu.RLock()
	var all []Contact
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].contacts...)
	}
	rt.mu.RUnlock()

	sortByDistance(target, all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size returns the number of contacts.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for i := range rt.buckets {
		n += len(rt.buckets[i].contacts)
	}
	return n
}

func sortByDistance(target ID, contacts []Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		return Closer(target, contacts[i].ID, contacts[j].ID)
	})
}
