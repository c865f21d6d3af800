package fragment

import (
	"encoding/binary"
	"strings"
	"testing"
)

func keyFor(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}

func TestParseFragments(t *testing.T) {
	input := "0 100 1 0\n100 200 2 0\n\n200 300 2 1\n"
	frags, err := parseFragments(strings.NewReader(input), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}
	if frags[1].HomeLTCID != 2 || frags[1].WorkerID != 0 {
		t.Fatalf("unexpected fragment: %+v", frags[1])
	}
}

func TestParseFragmentsMalformedLine(t *testing.T) {
	if _, err := parseFragments(strings.NewReader("0 100 1\n"), "test"); err == nil {
		t.Fatal("expected error for malformed line")
	}
	if _, err := parseFragments(strings.NewReader("a b c d\n"), "test"); err == nil {
		t.Fatal("expected error for non-numeric fields")
	}
}

func TestTableRangeLookup(t *testing.T) {
	frags := []*Fragment{
		{KeyStart: 0, KeyEnd: 100, HomeLTCID: 1},
		{KeyStart: 100, KeyEnd: 200, HomeLTCID: 2},
	}
	tbl, err := NewTable(ModeRange, frags)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if f := tbl.Lookup(keyFor(50)); f == nil || f.HomeLTCID != 1 {
		t.Fatalf("lookup 50: %+v", f)
	}
	if f := tbl.Lookup(keyFor(150)); f == nil || f.HomeLTCID != 2 {
		t.Fatalf("lookup 150: %+v", f)
	}
	if f := tbl.Lookup(keyFor(250)); f != nil {
		t.Fatalf("lookup 250: expected nil, got %+v", f)
	}
}

func TestTableRangeRejectsGap(t *testing.T) {
	frags := []*Fragment{
		{KeyStart: 0, KeyEnd: 100, HomeLTCID: 1},
		{KeyStart: 150, KeyEnd: 200, HomeLTCID: 2},
	}
	if _, err := NewTable(ModeRange, frags); err == nil {
		t.Fatal("expected error for non-covering ranges")
	}
}

func TestTableHashLookupIsStable(t *testing.T) {
	frags := []*Fragment{{HomeLTCID: 1}, {HomeLTCID: 2}, {HomeLTCID: 3}}
	tbl, err := NewTable(ModeHash, frags)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	first := tbl.Lookup([]byte("some-key"))
	second := tbl.Lookup([]byte("some-key"))
	if first != second {
		t.Fatal("hash lookup not stable across calls")
	}
}
