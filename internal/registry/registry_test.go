package registry

import (
	"errors"
	"testing"
	"time"
)

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	f := r.Register(1)

	if !r.Resolve(1, "hello") {
		t.Fatal("expected Resolve to find pending sync id 1")
	}

	v, err := f.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hello" {
		t.Fatalf("value = %v, want hello", v)
	}
}

func TestResolveUnknownSyncReturnsFalse(t *testing.T) {
	r := New()
	if r.Resolve(99, nil) {
		t.Fatal("expected Resolve to report false for an unregistered sync id")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := New()
	r.Register(5)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate sync id registration")
		}
	}()
	r.Register(5)
}

func TestDelayAndDrainOrdersBySyncID(t *testing.T) {
	r := New()
	futures := map[uint64]*Future{}
	for _, sync := range []uint64{30, 10, 20} {
		futures[sync] = r.Register(sync)
		if !r.Delay(sync) {
			t.Fatalf("expected Delay to find sync id %d pending", sync)
		}
	}

	drained := r.DrainDelayed()
	if len(drained) != 3 {
		t.Fatalf("len(drained) = %d, want 3", len(drained))
	}
	want := []uint64{10, 20, 30}
	for i, e := range drained {
		if e.Sync != want[i] {
			t.Fatalf("drained[%d].Sync = %d, want %d", i, e.Sync, want[i])
		}
		if e.Future != futures[e.Sync] {
			t.Fatalf("drained[%d].Future does not match the registered future", i)
		}
	}

	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after draining", r.Len())
	}
}

func TestTakeDelayedRemovesOnlyThatEntry(t *testing.T) {
	r := New()
	fa := r.Register(1)
	fb := r.Register(2)
	r.Delay(1)
	r.Delay(2)

	got, ok := r.TakeDelayed(1)
	if !ok || got != fa {
		t.Fatalf("TakeDelayed(1) = %v, %v; want fa's future, true", got, ok)
	}
	if _, ok := r.TakeDelayed(1); ok {
		t.Fatal("expected a second TakeDelayed(1) to report not found")
	}

	drained := r.DrainDelayed()
	if len(drained) != 1 || drained[0].Future != fb {
		t.Fatalf("expected only sync 2 left in the delayed queue, got %v", drained)
	}
}

func TestFailAllFailsPendingAndDelayed(t *testing.T) {
	r := New()
	pending := r.Register(1)
	delayed := r.Register(2)
	r.Delay(2)

	wantErr := errors.New("connection died")
	r.FailAll(wantErr)

	if _, err := pending.Wait(); err != wantErr {
		t.Fatalf("pending future error = %v, want %v", err, wantErr)
	}
	if _, err := delayed.Wait(); err != wantErr {
		t.Fatalf("delayed future error = %v, want %v", err, wantErr)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after FailAll", r.Len())
	}
}

func TestFutureResolveIsIdempotent(t *testing.T) {
	f := NewFuture()
	f.Resolve(1)
	f.Resolve(2)
	f.Fail(errors.New("too late"))

	v, err := f.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Fatalf("value = %v, want 1 (first resolution wins)", v)
	}
}

func TestForgetRemovesPendingWithoutResolving(t *testing.T) {
	r := New()
	f := r.Register(1)
	r.Forget(1)

	if r.Resolve(1, "late") {
		t.Fatal("expected Resolve to miss after Forget")
	}

	select {
	case <-f.Done():
		t.Fatal("expected future to remain unresolved after Forget")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestNewWithCapacityBehavesLikeNew(t *testing.T) {
	r := NewWithCapacity(64)
	f := r.Register(1)

	if !r.Resolve(1, "hello") {
		t.Fatal("expected Resolve to find pending sync id 1")
	}
	if v, err := f.Wait(); err != nil || v != "hello" {
		t.Fatalf("value = %v, err = %v, want hello, nil", v, err)
	}

	if r := NewWithCapacity(-1); r.Len() != 0 {
		t.Fatal("expected a negative capacity to fall back to an empty registry")
	}
}
