package lsm

import (
	"context"
	"testing"

	"github.com/nconghau/novadb/internal/ikey"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
	"github.com/nconghau/novadb/internal/stoc"
)

func newTestStore(t *testing.T) (rdma.BlockClient, *slab.Manager) {
	t.Helper()
	st, err := stoc.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c := rdma.NewLoopbackClient(st, 2, nil)
	t.Cleanup(c.Close)
	return c, slab.NewManager(0)
}

func TestSSTWriterThenReadSSTFind(t *testing.T) {
	ctx := context.Background()
	client, mgr := newTestStore(t)

	w, err := NewSSTWriter(client, mgr, "db1", 10, 8)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	entries := []struct {
		key string
		seq uint64
		val string
		del bool
	}{
		{"apple", 1, "red", false},
		{"banana", 2, "yellow", false},
		{"cherry", 3, "", true},
	}
	for _, e := range entries {
		vt := ikey.TypeValue
		if e.del {
			vt = ikey.TypeDeletion
		}
		ik := ikey.Encode(nil, []byte(e.key), ikey.Sequence(e.seq), vt)
		if err := w.WriteEntry(ik, []byte(e.val)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}

	meta, err := w.Close(ctx)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if meta.KeyCount != 3 {
		t.Fatalf("expected 3 keys, got %d", meta.KeyCount)
	}

	val, found, ok, err := ReadSSTFind(ctx, client, mgr, "db1", 10, meta.FileSize, []byte("banana"), 10)
	if err != nil {
		t.Fatalf("find banana: %v", err)
	}
	if !ok || !found || string(val) != "yellow" {
		t.Fatalf("got found=%v ok=%v val=%q", found, ok, val)
	}

	_, found, ok, err = ReadSSTFind(ctx, client, mgr, "db1", 10, meta.FileSize, []byte("cherry"), 10)
	if err != nil {
		t.Fatalf("find cherry: %v", err)
	}
	if !ok || found {
		t.Fatalf("expected cherry to read as a tombstone (ok=true, found=false), got ok=%v found=%v", ok, found)
	}

	_, found, ok, err = ReadSSTFind(ctx, client, mgr, "db1", 10, meta.FileSize, []byte("durian"), 10)
	if err != nil {
		t.Fatalf("find durian: %v", err)
	}
	if ok || found {
		t.Fatalf("expected durian to be absent (ok=false), got ok=%v found=%v", ok, found)
	}
}
