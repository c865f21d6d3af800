package lsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nconghau/novadb/internal/ikey"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
)

// VersionSet owns the ring of Versions for one fragment's LSM tree, the
// manifest log that durably records every edit, and the file-number/
// sequence-number counters every writer draws from. All mutation goes
// through LogAndApply, serialized by manifestLock so the manifest file
// and the in-memory ring never diverge (the single manifest_lock_ from
// the source engine, not a lock per level).
type VersionSet struct {
	dbname string
	client rdma.BlockClient
	slab   *slab.Manager

	manifestLock sync.Mutex
	manifest     *manifestLog
	ring         *Version // dummy head; ring.prev == current
	versionIDSeq uint64

	nextFileNumber atomic.Uint64
	lastSequence   atomic.Uint64

	compactPointer [7][]byte // per-level resume key for round-robin picking

	manifestFileNumber uint64
}

// NewVersionSet creates an empty VersionSet backed by a manifest file at
// manifestFileNumber on the given StoC client.
func NewVersionSet(dbname string, client rdma.BlockClient, slabMgr *slab.Manager, manifestFileNumber uint64) *VersionSet {
	dummy := newVersion(0)
	vs := &VersionSet{
		dbname:             dbname,
		client:             client,
		slab:               slabMgr,
		manifest:           newManifestLog(client, slabMgr, dbname, manifestFileNumber),
		ring:               dummy,
		manifestFileNumber: manifestFileNumber,
	}
	vs.nextFileNumber.Store(1)
	return vs
}

// Current returns the live Version, ref-counted for the caller; the
// caller must Unref when done.
func (vs *VersionSet) Current() *Version {
	vs.manifestLock.Lock()
	cur := vs.ring.prev
	cur.Ref()
	vs.manifestLock.Unlock()
	return cur
}

// NewFileNumber atomically allocates the next SSTable/manifest file
// number.
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

// PeekNextFileNumber returns the next file number NewFileNumber would
// hand out, without reserving it.
func (vs *VersionSet) PeekNextFileNumber() uint64 {
	return vs.nextFileNumber.Load()
}

// MarkFileNumberUsed ensures future NewFileNumber calls stay above n,
// used during migration/recovery when a specific number must be honored.
func (vs *VersionSet) MarkFileNumberUsed(n uint64) {
	for {
		cur := vs.nextFileNumber.Load()
		if cur > n {
			return
		}
		if vs.nextFileNumber.CompareAndSwap(cur, n+1) {
			return
		}
	}
}

// LastSequence returns the most recently assigned sequence number.
func (vs *VersionSet) LastSequence() ikey.Sequence {
	return ikey.Sequence(vs.lastSequence.Load())
}

// SetLastSequence asserts monotonicity and records seq as the new high
// water mark, matching the source's assert(s >= last_sequence_).
func (vs *VersionSet) SetLastSequence(seq ikey.Sequence) {
	for {
		cur := vs.lastSequence.Load()
		if uint64(seq) < cur {
			panic("lsm: last sequence must be monotonically increasing")
		}
		if vs.lastSequence.CompareAndSwap(cur, uint64(seq)) {
			return
		}
	}
}

// LogAndApply builds the next Version by applying edit on top of the
// current one, appends edit to the manifest log, syncs it, and only
// then installs the new Version as current — the manifest and the
// in-memory ring are updated atomically with respect to any other
// LogAndApply caller.
func (vs *VersionSet) LogAndApply(ctx context.Context, edit *VersionEdit) (*Version, error) {
	vs.manifestLock.Lock()
	defer vs.manifestLock.Unlock()

	if edit.HasLastSequence {
		vs.SetLastSequence(edit.LastSequence)
	}
	if edit.HasNextFileNumber {
		vs.MarkFileNumberUsed(edit.NextFileNumber - 1)
	}

	next := vs.applyEditLocked(edit)

	vs.manifest.Append(edit.Encode())
	if err := vs.manifest.Sync(ctx); err != nil {
		return nil, fmt.Errorf("lsm: log and apply: %w", err)
	}

	vs.installLocked(next)
	return next, nil
}

// applyEditLocked computes the file sets for the next Version without
// touching the manifest or the ring; callers must hold manifestLock.
func (vs *VersionSet) applyEditLocked(edit *VersionEdit) *Version {
	vs.versionIDSeq++
	next := newVersion(vs.versionIDSeq)

	base := vs.ring.prev // may be the dummy head on the very first edit
	for level := 0; level < len(next.files); level++ {
		deleted := map[uint64]bool{}
		for _, n := range edit.DeletedFiles[level] {
			deleted[n] = true
		}
		if base != vs.ring {
			for _, f := range base.files[level] {
				if !deleted[f.Number] {
					f.Ref()
					next.files[level] = append(next.files[level], f)
				}
			}
		}
		for _, f := range edit.AddedFiles[level] {
			f.Ref()
			next.files[level] = append(next.files[level], f)
		}
		if level > 0 {
			sortFilesByKey(next.files[level])
		}
	}
	finalizeScore(next)
	return next
}

// installLocked splices next into the ring as the new current entry and
// unrefs every file the outgoing current Version held, freeing any that
// drop to zero references. Callers must hold manifestLock.
func (vs *VersionSet) installLocked(next *Version) {
	old := vs.ring.prev
	next.prev = old
	next.next = vs.ring
	old.next = next
	vs.ring.prev = next

	next.Ref() // the ring's own reference to "current"
	if old != vs.ring {
		vs.releaseObsoleteLocked(old)
	}
}

// releaseObsoleteLocked drops the ring's reference to a Version that is
// no longer current; if it reaches zero and has no other readers, its
// files are unreferenced (and, at zero, are candidates for deletion from
// the StoC node by the caller).
func (vs *VersionSet) releaseObsoleteLocked(v *Version) []*FileMetaData {
	if v.Unref() > 0 {
		return nil
	}
	var freed []*FileMetaData
	for level := range v.files {
		for _, f := range v.files[level] {
			if f.Unref() {
				freed = append(freed, f)
			}
		}
	}
	return freed
}

// Recover replays a manifest's edits in order to rebuild the current
// Version, used both at normal DB open and as the destination side of a
// migration.
func (vs *VersionSet) Recover(ctx context.Context) error {
	edits, err := loadManifest(ctx, vs.client, vs.dbname, vs.manifestFileNumber)
	if err != nil {
		return fmt.Errorf("lsm: recover manifest: %w", err)
	}
	for _, e := range edits {
		vs.manifestLock.Lock()
		if e.HasLastSequence {
			vs.SetLastSequence(e.LastSequence)
		}
		if e.HasNextFileNumber {
			vs.MarkFileNumberUsed(e.NextFileNumber - 1)
		}
		next := vs.applyEditLocked(e)
		vs.installLocked(next)
		vs.manifestLock.Unlock()
	}
	return nil
}

// NeedsCompaction reports whether the current Version's top compaction
// score is at or above the trigger threshold.
func (vs *VersionSet) NeedsCompaction() bool {
	cur := vs.Current()
	defer cur.Unref()
	return cur.compactionScore >= 1.0
}

func sortFilesByKey(files []*FileMetaData) {
	// insertion sort is fine: levels above L0 rarely hold more than a
	// few hundred files per compaction cycle.
	for i := 1; i < len(files); i++ {
		j := i
		for j > 0 && lessFile(files[j], files[j-1]) {
			files[j], files[j-1] = files[j-1], files[j]
			j--
		}
	}
}

func lessFile(a, b *FileMetaData) bool {
	return compareEncoded(a.Smallest, b.Smallest) < 0
}

func compareEncoded(a, b []byte) int {
	return ikey.Compare(a, b)
}

// finalizeScore computes the per-level compaction score the way the
// source engine's Version::Finalize does: L0 scores on file count, L1+
// on total byte size relative to that level's target.
func finalizeScore(v *Version) {
	bestLevel := -1
	bestScore := 0.0

	const l0CompactionTrigger = 4
	score := float64(len(v.files[0])) / l0CompactionTrigger
	if score > bestScore {
		bestScore = score
		bestLevel = 0
	}

	for level := 1; level < len(v.files); level++ {
		target := levelMaxBytes(level)
		score := float64(v.totalBytes(level)) / float64(target)
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}

	v.compactionLevel = bestLevel
	v.compactionScore = bestScore
}

// levelMaxBytes returns the target size of level (10x growth per level,
// 10MiB at L1), the same geometric progression the source engine uses.
func levelMaxBytes(level int) uint64 {
	bytes := uint64(10 * 1024 * 1024)
	for i := 1; i < level; i++ {
		bytes *= 10
	}
	return bytes
}
