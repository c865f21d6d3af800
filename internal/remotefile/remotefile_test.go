package remotefile

import (
	"context"
	"testing"

	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
	"github.com/nconghau/novadb/internal/stoc"
)

func newTestClient(t *testing.T) rdma.BlockClient {
	t.Helper()
	st, err := stoc.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c := rdma.NewLoopbackClient(st, 2, nil)
	t.Cleanup(c.Close)
	return c
}

func TestWritableFileSyncThenBlockRead(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	mgr := slab.NewManager(0)

	wf, err := NewWritableFile(client, mgr, "db1", 1, 64)
	if err != nil {
		t.Fatalf("new writable: %v", err)
	}
	if err := wf.Append([]byte("hello ")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := wf.Append([]byte("world")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := wf.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	defer wf.Close()

	raf := NewRandomAccessFile(client, mgr, "db1", 1, int64(wf.Size()), false)
	defer raf.Close()

	got, err := raf.Read(ctx, 0, wf.Size())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestRandomAccessFilePrefetchAll(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	mgr := slab.NewManager(0)

	wf, err := NewWritableFile(client, mgr, "db1", 2, 64)
	if err != nil {
		t.Fatalf("new writable: %v", err)
	}
	_ = wf.Append([]byte("prefetched payload"))
	if err := wf.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	defer wf.Close()

	raf := NewRandomAccessFile(client, mgr, "db1", 2, int64(wf.Size()), true)
	defer raf.Close()

	got, err := raf.Read(ctx, 0, 1000)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "prefetched payload" {
		t.Fatalf("got %q", got)
	}

	got2, err := raf.Read(ctx, 10, 8)
	if err != nil {
		t.Fatalf("read2: %v", err)
	}
	if string(got2) != " payload" {
		t.Fatalf("got2 %q", got2)
	}
}

func TestRandomAccessFileClampsAtEOF(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	mgr := slab.NewManager(0)

	wf, _ := NewWritableFile(client, mgr, "db1", 3, 64)
	_ = wf.Append([]byte("short"))
	if err := wf.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	defer wf.Close()

	raf := NewRandomAccessFile(client, mgr, "db1", 3, int64(wf.Size()), false)
	defer raf.Close()

	got, err := raf.Read(ctx, 3, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "rt" {
		t.Fatalf("got %q want %q", got, "rt")
	}
}
