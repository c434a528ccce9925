package schema

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/iproto-client/internal/registry"
)

type fakeCatalog struct {
	mu          sync.Mutex
	version     uint64
	initialized bool
	failNext    bool
	refreshes   int
}

func (f *fakeCatalog) IsInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *fakeCatalog) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

func (f *fakeCatalog) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.failNext {
		f.failNext = false
		return errors.New("refresh unavailable")
	}
	f.version++
	f.initialized = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleStaleResponseDrainsOnSuccessfulRefresh(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{}

	var redispatched []registry.DelayedEntry
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	r := New(testLogger(), cat, reg, func(e registry.DelayedEntry) {
		mu.Lock()
		redispatched = append(redispatched, e)
		mu.Unlock()
		done <- struct{}{}
	})

	f := reg.Register(7)
	if handled := r.HandleStaleResponse(context.Background(), 7); !handled {
		t.Fatal("expected HandleStaleResponse to find sync id 7 pending")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redispatch after schema refresh")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(redispatched) != 1 || redispatched[0].Sync != 7 {
		t.Fatalf("redispatched = %v, want one entry for sync 7", redispatched)
	}
	if redispatched[0].Future != f {
		t.Fatal("expected the redispatched entry to carry the original future")
	}
}

func TestHandleStaleResponseUnknownSync(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{}
	r := New(testLogger(), cat, reg, func(registry.DelayedEntry) {})

	if r.HandleStaleResponse(context.Background(), 404) {
		t.Fatal("expected HandleStaleResponse to report false for an unregistered sync id")
	}
}

func TestProbeFalseAlarmFailsDependentWithoutRefresh(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{initialized: true, version: 10}
	r := New(testLogger(), cat, reg, func(registry.DelayedEntry) {
		t.Fatal("redispatch must not run on a probe false alarm")
	})

	dependentFuture := reg.Register(1)
	reg.Delay(1)

	resolutionErr := errors.New("unknown space Ghost")
	r.SubmitProbe(2, 1, resolutionErr)

	handled := r.HandleProbeResponse(context.Background(), 2, false)
	if !handled {
		t.Fatal("expected HandleProbeResponse to find the submitted probe")
	}

	_, err := dependentFuture.Wait()
	if !errors.Is(err, resolutionErr) {
		t.Fatalf("dependent error = %v, want %v", err, resolutionErr)
	}
	if cat.refreshes != 0 {
		t.Fatalf("refreshes = %d, want 0 on a false alarm", cat.refreshes)
	}
}

func TestProbeWrongSchemaTriggersRefresh(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{}

	done := make(chan struct{}, 1)
	r := New(testLogger(), cat, reg, func(registry.DelayedEntry) { done <- struct{}{} })

	reg.Register(1)
	reg.Delay(1)
	r.SubmitProbe(2, 1, errors.New("unknown space Ghost"))

	if !r.HandleProbeResponse(context.Background(), 2, true) {
		t.Fatal("expected HandleProbeResponse to find the submitted probe")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the dependent to be redispatched")
	}
}

func TestHandleProbeResponseIgnoresUnknownProbe(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{}
	r := New(testLogger(), cat, reg, func(registry.DelayedEntry) {})

	if r.HandleProbeResponse(context.Background(), 999, false) {
		t.Fatal("expected an unrecognized probe sync id to be ignored")
	}
}
