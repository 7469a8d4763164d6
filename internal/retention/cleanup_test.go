package retention

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakeStore) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepCutoff(t *testing.T) {
	store := &fakeStore{deleted: 4}
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

	n, err := Sweep(context.Background(), store, 30, now, testLogger())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 4 {
		t.Errorf("Sweep() = %d, want 4", n)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoffs = %v, want [%v]", store.cutoffs, want)
	}
}

func TestSweepDisabled(t *testing.T) {
	store := &fakeStore{}
	for _, days := range []int{0, -1} {
		if _, err := Sweep(context.Background(), store, days, time.Now(), testLogger()); err != nil {
			t.Fatalf("Sweep(%d) error: %v", days, err)
		}
	}
	if store.calls() != 0 {
		t.Errorf("store called %d times, want 0", store.calls())
	}
}

func TestSweepError(t *testing.T) {
	store := &fakeStore{err: errors.New("database is locked")}
	if _, err := Sweep(context.Background(), store, 7, time.Now(), testLogger()); err == nil {
		t.Fatal("Sweep() error = nil, want store error")
	}
}

func TestStartCleanupTicker(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartCleanupTicker(ctx, store, 7, 5*time.Millisecond, testLogger())

	deadline := time.Now().Add(2 * time.Second)
	for store.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup ticker did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
