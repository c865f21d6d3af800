package migration_test

import (
	"context"
	"testing"

	"github.com/nconghau/novadb/internal/lsm"
	"github.com/nconghau/novadb/internal/migration"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
	"github.com/nconghau/novadb/internal/stoc"
)

func newSharedStore(t *testing.T) (rdma.BlockClient, *slab.Manager) {
	t.Helper()
	st, err := stoc.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c := rdma.NewLoopbackClient(st, 2, nil)
	t.Cleanup(c.Close)
	return c, slab.NewManager(0)
}

// TestMigrateFragmentRoundTrip walks a fragment handoff end to end: a
// source DB takes some writes, a Source stages its state on the shared
// StoC store, and a Destination fetches and replays that state into a
// freshly opened DB for the same fragment. Reads against the
// destination must see exactly what the source had.
func TestMigrateFragmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, mgr := newSharedStore(t)

	srcDB, err := lsm.Open(ctx, "frag0", client, mgr, lsm.Options{WALDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("open source db: %v", err)
	}
	defer srcDB.Close()

	want := map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "dark red",
	}
	for k, v := range want {
		if err := srcDB.Put(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if err := srcDB.Delete(ctx, []byte("banana")); err != nil {
		t.Fatalf("delete banana: %v", err)
	}
	delete(want, "banana")

	source := migration.NewSource(client, nil)
	if err := source.MigrateFragment(ctx, 7, srcDB); err != nil {
		t.Fatalf("migrate fragment: %v", err)
	}

	destDB, err := lsm.Open(ctx, "frag0", client, mgr, lsm.Options{WALDir: t.TempDir(), ManifestFileNumber: 1}, nil)
	if err != nil {
		t.Fatalf("open dest db: %v", err)
	}
	defer destDB.Close()

	dest := migration.NewDestination(client, nil)
	dbIndex, err := dest.Fetch(ctx, "frag0", destDB)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if dbIndex != 7 {
		t.Fatalf("got db index %d, want 7", dbIndex)
	}

	for k, v := range want {
		got, err := destDB.Get(ctx, []byte(k))
		if err != nil {
			t.Fatalf("get %s on destination: %v", k, err)
		}
		if string(got) != v {
			t.Fatalf("get %s: got %q, want %q", k, got, v)
		}
	}

	if _, err := destDB.Get(ctx, []byte("banana")); err == nil {
		t.Fatal("expected banana to read as deleted on destination")
	}
}

// TestAcceptRejectsBadTag guards the wire format's leading tag byte: a
// buffer produced by anything else must not be silently replayed.
func TestAcceptRejectsBadTag(t *testing.T) {
	ctx := context.Background()
	client, mgr := newSharedStore(t)

	db, err := lsm.Open(ctx, "frag0", client, mgr, lsm.Options{WALDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	dest := migration.NewDestination(client, nil)
	bogus := make([]byte, 64)
	if _, err := dest.Accept(ctx, bogus, db); err == nil {
		t.Fatal("expected error for bad tag byte")
	}
}
