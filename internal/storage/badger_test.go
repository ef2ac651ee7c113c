package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestEngine(t *testing.T) *BadgerEngine {
	t.Helper()
	engine, err := NewBadgerEngine(InMemoryKVConfig(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestBadgerEngine_BasicOperations(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		if err := engine.Set(ctx, []byte("k"), []byte("v")); err != nil {
			t.Fatal(err)
		}
		got, err := engine.Get(ctx, []byte("k"))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "v" {
			t.Errorf("expected v, got %s", got)
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := engine.Get(ctx, []byte("missing"))
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("SetSync", func(t *testing.T) {
		if err := engine.SetSync(ctx, []byte("durable"), []byte("yes")); err != nil {
			t.Fatal(err)
		}
		got, err := engine.Get(ctx, []byte("durable"))
		if err != nil || string(got) != "yes" {
			t.Errorf("Get() = %q, %v", got, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		engine.Set(ctx, []byte("gone"), []byte("x"))
		if err := engine.Delete(ctx, []byte("gone")); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.Get(ctx, []byte("gone")); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
		}
	})

	t.Run("Cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := engine.Set(cctx, []byte("k"), []byte("v")); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestBadgerEngine_Scan(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	for k, v := range map[string]string{
		"blob/a/0":   "s0",
		"blob/a/1":   "s1",
		"blob/b/0":   "s2",
		"manifest/a": "m",
	} {
		if err := engine.Set(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	var keys []string
	err := engine.Scan(ctx, []byte("blob/a/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "blob/a/0" || keys[1] != "blob/a/1" {
		t.Errorf("Scan() keys = %v", keys)
	}

	count := 0
	engine.Scan(ctx, []byte(PrefixBlob), func(key, value []byte) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Scan() did not stop early, visited %d", count)
	}
}

func TestBadgerEngine_OnDisk(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultKVConfig(tmpDir)
	cfg.Badger.GCInterval = "1h"
	ctx := context.Background()

	engine, err := NewBadgerEngine(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	engine.RegisterMetrics(prometheus.NewRegistry())

	if err := engine.SetSync(ctx, []byte("manifest/x"), []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.GC(ctx); err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.LastGCTime == 0 {
		t.Error("Stats() should record the GC run")
	}
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Get(ctx, []byte("manifest/x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after close = %v, want ErrClosed", err)
	}

	reopened, err := NewBadgerEngine(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, []byte("manifest/x"))
	if err != nil || string(got) != "persisted" {
		t.Errorf("value lost across reopen: %q, %v", got, err)
	}
}

func TestNewBadgerEngine_RequiresDir(t *testing.T) {
	if _, err := NewBadgerEngine(KVConfig{}, nil); err == nil {
		t.Error("expected error without dir")
	}
}
