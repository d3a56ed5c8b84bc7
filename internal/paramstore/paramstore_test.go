package paramstore

import (
	"sync"
	"testing"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	s := New()
	if _, ok := s.Load(1); ok {
		t.Fatal("empty store should report not-found")
	}
	s.Store(1, 42)
	v, ok := s.Load(1)
	if !ok || v != 42 {
		t.Fatalf("Load(1) = %d, %v; want 42, true", v, ok)
	}
}

func TestStoreDelete(t *testing.T) {
	s := New()
	s.Store(7, 100)
	s.Delete(7)
	if _, ok := s.Load(7); ok {
		t.Fatal("value should be gone after Delete")
	}
}

func TestStoreRange(t *testing.T) {
	s := New()
	want := map[uint32]int32{1: 10, 2: 20, 3: 30}
	for k, v := range want {
		s.Store(k, v)
	}
	got := make(map[uint32]int32)
	s.Range(func(k uint32, v int32) bool {
		got[k] = v
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("Range visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Range missed or mismatched key %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestStoreRangeEarlyStop(t *testing.T) {
	s := New()
	s.Store(1, 1)
	s.Store(2, 2)
	s.Store(3, 3)
	visited := 0
	s.Range(func(k uint32, v int32) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("Range should stop after the first false return, visited %d", visited)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := uint32(i % 4)
			s.Store(key, int32(i))
			s.Load(key)
		}(i)
	}
	wg.Wait()
}
