package cacheproto

import (
	"testing"

	"mfmcore/internal/atom"
)

func TestLockRoundTrip(t *testing.T) {
	frame := Lock(3)
	tag, err := PeekTag(frame)
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagLock {
		t.Fatalf("tag = %v, want LOCK", tag)
	}
	dir, err := DecodeDir(frame)
	if err != nil {
		t.Fatal(err)
	}
	if dir != 3 {
		t.Errorf("dir = %d, want 3", dir)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	a := atom.New(7)
	a.SetStateBits(0, 8, 0xAB)
	frame := Update(12, -5, a, true)

	tag, err := PeekTag(frame)
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagUpdate {
		t.Fatalf("tag = %v, want UPDATE", tag)
	}

	x, y, got, differs, err := DecodeUpdate(frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	if x != 12 || y != -5 {
		t.Errorf("coords = (%d,%d), want (12,-5)", x, y)
	}
	if got != a {
		t.Errorf("atom round-trip mismatch: got %v, want %v", got, a)
	}
	if !differs {
		t.Error("differsFlag round-trip lost true")
	}
}

func TestUpdateEndRoundTrip(t *testing.T) {
	frame := UpdateEnd(41)
	tag, err := PeekTag(frame)
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagUpdateEnd {
		t.Fatalf("tag = %v, want UPDATE_END", tag)
	}
	n, err := DecodeCount(frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	if n != 41 {
		t.Errorf("count = %d, want 41", n)
	}
}

func TestPeekTagRejectsGarbage(t *testing.T) {
	if _, err := PeekTag(nil); err == nil {
		t.Error("expected error decoding empty frame")
	}
	if _, err := PeekTag([]byte{99}); err == nil {
		t.Error("expected error decoding unrecognized tag")
	}
}
