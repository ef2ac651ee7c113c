package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestHandler_ReverseOrder(t *testing.T) {
	h := NewHandler(time.Second, slog.New(slog.DiscardHandler))

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "dht", "http"} {
		h.OnShutdown(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := strings.Join(order, ","); got != "http,dht,store" {
		t.Errorf("order = %s", got)
	}
	if h.Context().Err() == nil {
		t.Error("Context not cancelled")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestHandler_JoinsErrors(t *testing.T) {
	h := NewHandler(time.Second, slog.New(slog.DiscardHandler))
	errA := errors.New("flush failed")
	ran := false
	h.OnShutdown("kv", func(context.Context) error { return errA })
	h.OnShutdown("server", func(context.Context) error { ran = true; return nil })

	err := h.Shutdown()
	if !errors.Is(err, errA) || !strings.Contains(err.Error(), "kv:") {
		t.Errorf("Shutdown() error = %v", err)
	}
	if !ran {
		t.Error("hook after failure did not run")
	}
	if again := h.Shutdown(); again != err {
		t.Errorf("second Shutdown() = %v, want first result", again)
	}
}

func TestHandler_HookDeadline(t *testing.T) {
	h := NewHandler(50*time.Millisecond, slog.New(slog.DiscardHandler))
	h.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := h.Shutdown(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestHandler_WaitReturnsOnShutdown(t *testing.T) {
	h := NewHandler(time.Second, nil)
	done := make(chan error, 1)
	go func() { done <- h.Wait() }()
	go func() { _ = h.Shutdown() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Shutdown")
	}
}
