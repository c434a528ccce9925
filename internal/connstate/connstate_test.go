package connstate

import (
	"testing"
	"time"
)

func TestNewIsAlive(t *testing.T) {
	s := New()
	if !s.IsAlive() {
		t.Fatal("expected a fresh State to be alive")
	}
	if s.IsClosed() {
		t.Fatal("expected a fresh State to not be closed")
	}
}

func TestTriggerReconnectOnlyOnce(t *testing.T) {
	s := New()

	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		go func() { results <- s.TriggerReconnect() }()
	}

	trueCount := 0
	for i := 0; i < 4; i++ {
		if <-results {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Fatalf("expected exactly one TriggerReconnect to win, got %d", trueCount)
	}
	if s.IsAlive() {
		t.Fatal("expected State to be dead after TriggerReconnect")
	}
}

func TestAwaitReconnectSignalFires(t *testing.T) {
	s := New()
	sig := s.AwaitReconnectSignal()

	select {
	case <-sig:
		t.Fatal("signal fired before TriggerReconnect was called")
	default:
	}

	s.TriggerReconnect()

	select {
	case <-sig:
	case <-time.After(time.Second):
		t.Fatal("signal did not fire after TriggerReconnect")
	}
}

func TestMarkReconnectedRestoresAlive(t *testing.T) {
	s := New()
	s.TriggerReconnect()
	if s.IsAlive() {
		t.Fatal("expected dead state after TriggerReconnect")
	}

	s.MarkReconnected()
	if !s.IsAlive() {
		t.Fatal("expected alive state after MarkReconnected")
	}

	select {
	case <-s.AwaitAlive():
	default:
		t.Fatal("expected AwaitAlive channel to be closed after MarkReconnected")
	}
}

func TestCloseIsIdempotentAndUnblocksWaiters(t *testing.T) {
	s := New()
	s.TriggerReconnect()

	done := make(chan struct{})
	go func() {
		<-s.AwaitAlive()
		close(done)
	}()

	s.Close()
	s.Close() // must not panic or block

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitAlive waiter was not released by Close")
	}
	if !s.IsClosed() {
		t.Fatal("expected State to report closed")
	}
}

func TestSchemaUpdatingGate(t *testing.T) {
	s := New()
	if s.Has(SchemaUpdating) {
		t.Fatal("expected SchemaUpdating unset initially")
	}
	if !s.TryBeginSchemaUpdate() {
		t.Fatal("expected the first TryBeginSchemaUpdate to acquire the gate")
	}
	if !s.Has(SchemaUpdating) {
		t.Fatal("expected SchemaUpdating set after TryBeginSchemaUpdate")
	}
	if s.TryBeginSchemaUpdate() {
		t.Fatal("expected a second concurrent TryBeginSchemaUpdate to be refused")
	}
	s.EndSchemaUpdate()
	if s.Has(SchemaUpdating) {
		t.Fatal("expected SchemaUpdating cleared after EndSchemaUpdate")
	}
	if !s.TryBeginSchemaUpdate() {
		t.Fatal("expected TryBeginSchemaUpdate to acquire again once the gate was released")
	}
}
