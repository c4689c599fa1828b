package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/quaymarket/quay/internal/funds"
)

func TestSweeper_StartStop(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store, funds.NewMemoryProvider())
	sweeper := NewSweeper(engine, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)

	deadline := time.After(time.Second)
	for !sweeper.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never started")
		case <-time.After(time.Millisecond):
		}
	}

	sweeper.Stop()
	deadline = time.After(time.Second)
	for sweeper.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never stopped")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSweeper_SweepDrivesLifecycle(t *testing.T) {
	env := newTestEnv(t, WithAutoReleaseAfter(time.Hour), WithFundingTimeout(time.Hour))
	ctx := context.Background()

	funded := env.createFunded(t)
	stale, err := env.engine.Create(ctx, env.createRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sweeper := NewSweeper(env.engine, time.Minute, slog.Default())
	env.clock.advance(2 * time.Hour)
	sweeper.Sweep(ctx)

	got, _ := env.store.Get(ctx, funded.ID)
	if got.Status != StatusReleased {
		t.Errorf("funded escrow after sweep = %s, want %s", got.Status, StatusReleased)
	}
	got, _ = env.store.Get(ctx, stale.ID)
	if got.Status != StatusCancelled {
		t.Errorf("stale escrow after sweep = %s, want %s", got.Status, StatusCancelled)
	}
}
