package telemetry

import (
	"sync"
	"testing"
	"time"
)

func TestSlot_Overwrite(t *testing.T) {
	s := NewSlot[int]()

	if _, ok := s.Take(); ok {
		t.Fatal("Empty slot should not return a value")
	}

	s.Put(1)
	s.Put(2)
	s.Put(3)

	v, ok := s.Take()
	if !ok || v != 3 {
		t.Fatalf("Expected newest value 3, got %d (ok=%v)", v, ok)
	}

	if _, ok = s.Take(); ok {
		t.Error("Slot should be empty after Take")
	}
}

func TestSlot_Ready(t *testing.T) {
	s := NewSlot[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Put("fix")
	}()

	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatal("Ready was not signalled")
	}

	if v, ok := s.Take(); !ok || v != "fix" {
		t.Errorf("Expected 'fix', got %q (ok=%v)", v, ok)
	}
}

func TestSlot_ConcurrentPut(t *testing.T) {
	s := NewSlot[int]()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			s.Put(v)
		}(i)
	}
	wg.Wait()

	v, ok := s.Take()
	if !ok || v < 1 || v > 50 {
		t.Fatalf("Expected one of the written values, got %d (ok=%v)", v, ok)
	}
	if _, ok = s.Take(); ok {
		t.Error("Slot must hold at most one pending value")
	}
}
