package rdma

import (
	"context"
	"testing"

	"github.com/nconghau/novadb/internal/stoc"
)

func newTestClient(t *testing.T) *LoopbackClient {
	t.Helper()
	st, err := stoc.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewLoopbackClient(st, 2, nil)
}

func TestFlushThenReadBlockRoundTrip(t *testing.T) {
	c := newTestClient(t)
	defer c.Close()
	ctx := context.Background()

	data := []byte("hello sstable bytes")
	flushID := c.InitiateFlushSSTable(ctx, "db1", 7, data)
	if res := c.Wait(flushID); res.Err != nil {
		t.Fatalf("flush: %v", res.Err)
	}

	scratch := make([]byte, len(data))
	readID := c.InitiateReadBlock(ctx, "db1", 7, 0, scratch)
	res := c.Wait(readID)
	if res.Err != nil {
		t.Fatalf("read: %v", res.Err)
	}
	if string(scratch[:res.N]) != string(data) {
		t.Fatalf("got %q want %q", scratch[:res.N], data)
	}
}

func TestReadSSTablePrefetchAll(t *testing.T) {
	c := newTestClient(t)
	defer c.Close()
	ctx := context.Background()

	data := []byte("prefetch me entirely")
	c.Wait(c.InitiateFlushSSTable(ctx, "db1", 1, data))

	id := c.InitiateReadSSTable(ctx, "db1", 1)
	buf, err := c.ReadAllResult(id)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(buf) != string(data) {
		t.Fatalf("got %q want %q", buf, data)
	}
}

func TestIsDoneEventuallyTrue(t *testing.T) {
	c := newTestClient(t)
	defer c.Close()
	ctx := context.Background()

	id := c.InitiateRDMAWrite(ctx, "db1", 3, []byte("migration blob"))
	res := c.Wait(id)
	if res.Err != nil {
		t.Fatalf("rdma write: %v", res.Err)
	}
	done, _ := c.IsDone(id)
	if !done {
		t.Fatalf("expected request to be done after Wait returned")
	}
}
