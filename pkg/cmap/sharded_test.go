package cmap

import (
	"fmt"
	"sort"
	"sync"
	"testing"
)

type nodeID string

func TestNewWithShards(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, DefaultShardCount},
		{-1, DefaultShardCount},
		{3, DefaultShardCount},
		{1, 1},
		{4, 4},
		{32, 32},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("shards=%d", tt.input), func(t *testing.T) {
			m := NewWithShards[string, int](tt.input)
			if len(m.shards) != tt.expected {
				t.Errorf("NewWithShards(%d) shard count = %d, want %d",
					tt.input, len(m.shards), tt.expected)
			}
		})
	}
}

func TestSetGetDelete(t *testing.T) {
	m := New[nodeID, int]()

	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 3)

	if val, ok := m.Get("a"); !ok || val != 3 {
		t.Errorf("Get(a) = (%d, %v), want (3, true)", val, ok)
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}

	m.Delete("a")
	m.Delete("missing")
	if m.Has("a") {
		t.Error("a should be gone after Delete")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestUpdate(t *testing.T) {
	m := New[string, int]()

	t.Run("insert", func(t *testing.T) {
		v, kept := m.Update("k", func(cur int, exists bool) (int, bool) {
			if exists {
				t.Error("key should not exist yet")
			}
			return 10, true
		})
		if v != 10 || !kept {
			t.Errorf("Update() = (%d, %v)", v, kept)
		}
	})

	t.Run("modify", func(t *testing.T) {
		m.Update("k", func(cur int, exists bool) (int, bool) { return cur + 1, true })
		if v, _ := m.Get("k"); v != 11 {
			t.Errorf("Get(k) = %d, want 11", v)
		}
	})

	t.Run("delete", func(t *testing.T) {
		m.Update("k", func(cur int, exists bool) (int, bool) { return cur, false })
		if m.Has("k") {
			t.Error("Update with keep=false should delete")
		}
	})
}

func TestRangeAndValues(t *testing.T) {
	m := NewWithShards[string, int](4)
	for i := 0; i < 100; i++ {
		m.Set(fmt.Sprintf("k%03d", i), i)
	}

	values := m.Values()
	sort.Ints(values)
	if len(values) != 100 || values[0] != 0 || values[99] != 99 {
		t.Errorf("Values() returned %d entries", len(values))
	}

	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return seen < 10
	})
	if seen != 10 {
		t.Errorf("Range stopped after %d, want 10", seen)
	}
}

func TestDistribution(t *testing.T) {
	m := NewWithShards[string, int](8)
	for i := 0; i < 8000; i++ {
		m.Set(fmt.Sprintf("node-%d", i), i)
	}
	for i, s := range m.shards {
		if n := len(s.items); n < 700 || n > 1300 {
			t.Errorf("shard %d holds %d of 8000 keys", i, n)
		}
	}
}

func TestConcurrentUpdate(t *testing.T) {
	m := New[string, int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Update(fmt.Sprintf("k%d", j%10), func(cur int, _ bool) (int, bool) {
					return cur + 1, true
				})
			}
		}()
	}
	wg.Wait()

	total := 0
	m.Range(func(_ string, v int) bool {
		total += v
		return true
	})
	if total != 50*200 {
		t.Errorf("total = %d, want %d", total, 50*200)
	}
}

func BenchmarkGet(b *testing.B) {
	m := New[string, int]()
	for i := 0; i < 1000; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Get(fmt.Sprintf("k%d", i%1000))
			i++
		}
	})
}
