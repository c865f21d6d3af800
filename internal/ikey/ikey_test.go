package ikey

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := Encode(nil, []byte("hello"), 42, TypeValue)
	p, ok := Decode(enc)
	if !ok {
		t.Fatalf("decode failed")
	}
	if string(p.UserKey) != "hello" || p.Seq != 42 || p.ValType != TypeValue {
		t.Fatalf("unexpected decode: %+v", p)
	}
}

func TestCompareOrdersUserKeyThenSeqDescending(t *testing.T) {
	a := Encode(nil, []byte("a"), 5, TypeValue)
	b := Encode(nil, []byte("a"), 10, TypeValue)
	c := Encode(nil, []byte("b"), 1, TypeValue)

	if Compare(a, b) <= 0 {
		t.Fatalf("expected higher sequence to sort first")
	}
	if Compare(b, c) >= 0 {
		t.Fatalf("expected smaller user key to sort first")
	}
}

func TestLookupKeySeesNewestAtOrBelowSnapshot(t *testing.T) {
	v1 := Encode(nil, []byte("k"), 1, TypeValue)
	v2 := Encode(nil, []byte("k"), 2, TypeValue)
	lookup := LookupKey([]byte("k"), 1)

	if Compare(lookup, v1) > 0 {
		t.Fatalf("lookup at seq 1 should not sort after the seq-1 write")
	}
	if Compare(lookup, v2) <= 0 {
		t.Fatalf("lookup at seq 1 must sort after the seq-2 write")
	}
}
