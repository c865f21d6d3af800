package slab

import "testing"

func TestAllocReusesFreedItem(t *testing.T) {
	m := NewManager(0)
	buf, scid, err := m.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	m.Free(buf, scid)

	buf2, scid2, err := m.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if scid2 != scid {
		t.Fatalf("expected same size class, got %d vs %d", scid2, scid)
	}
	if &buf2[0] != &buf[0] {
		t.Fatalf("expected the freed buffer to be handed out again")
	}
}

func TestAllocRespectsBudget(t *testing.T) {
	m := NewManager(5000)
	if _, _, err := m.Alloc(100); err != nil {
		t.Fatalf("first alloc should fit: %v", err)
	}
	if _, _, err := m.Alloc(100); err == nil {
		t.Fatalf("expected budget exceeded error")
	}
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	m := NewManager(0)
	if _, _, err := m.Alloc(1 << 30); err == nil {
		t.Fatalf("expected capacity exceeded error")
	}
}
