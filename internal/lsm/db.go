package lsm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/engine"
	"github.com/nconghau/novadb/internal/ikey"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
)

const (
	defaultMemTableBytes  = 50 * 1024 * 1024
	defaultMaxImmutables  = 3
	flushWorkerCount      = 1
	compactionWorkerCount = 1
)

// flushTask asks the flush worker to persist one immutable memtable as
// an L0 SSTable. walSegments lists every WAL segment whose records are
// captured by m, removed once the flush durably lands in the manifest.
type flushTask struct {
	id          uint32
	m           *MemTable
	walSegments []int
}

// DB owns one fragment's entire LSM tree: the active and immutable
// memtables, the WAL backing them, the VersionSet/manifest, and the
// background flush and compaction workers. It implements engine.Engine.
type DB struct {
	name string
	log  *slog.Logger

	client  rdma.BlockClient
	slabMgr *slab.Manager

	walDir      string
	wal         *WAL
	walSeq      int   // highest WAL segment number allocated so far
	walSegments []int // segments backing the current active memtable

	pool *MemTablePool
	vs   *VersionSet

	mu         sync.RWMutex
	activeID   uint32
	active     *MemTable
	immutables []uint32 // ids, oldest first

	memTableBytesLimit int64
	maxImmutables      int

	flushCh      chan flushTask
	compactionCh chan struct{}

	metrics struct {
		puts, gets, deletes, flushes, compacts atomic.Int64
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ engine.Engine = (*DB)(nil)

// Options configures a DB at open time.
type Options struct {
	WALDir             string
	ManifestFileNumber uint64
	MemTableBytesLimit int64
	MaxImmutables      int
}

// Open creates or recovers one fragment's DB: replays the manifest to
// rebuild the current Version, replays any WAL left over from an
// unclean shutdown into a fresh memtable, and starts the background
// flush/compaction workers.
func Open(ctx context.Context, name string, client rdma.BlockClient, slabMgr *slab.Manager, opts Options, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "lsm", "db", name)

	if opts.MemTableBytesLimit <= 0 {
		opts.MemTableBytesLimit = defaultMemTableBytes
	}
	if opts.MaxImmutables <= 0 {
		opts.MaxImmutables = defaultMaxImmutables
	}

	vs := NewVersionSet(name, client, slabMgr, opts.ManifestFileNumber)
	if err := vs.Recover(ctx); err != nil {
		return nil, fmt.Errorf("lsm: open %s: %w", name, err)
	}

	// A clean start has no WAL segments on disk; recovering from an
	// unclean shutdown may find several, left behind by rotations whose
	// memtables never finished flushing.
	segments, err := scanWALSegments(opts.WALDir)
	if err != nil {
		return nil, fmt.Errorf("lsm: open %s: %w", name, err)
	}
	if len(segments) == 0 {
		segments = []int{0}
	}
	walSeq := segments[len(segments)-1]
	wal, err := OpenWAL(opts.WALDir, walSeq)
	if err != nil {
		return nil, fmt.Errorf("lsm: open %s: %w", name, err)
	}

	dbCtx, cancel := context.WithCancel(context.Background())
	db := &DB{
		name:               name,
		log:                log,
		client:             client,
		slabMgr:            slabMgr,
		walDir:             opts.WALDir,
		wal:                wal,
		walSeq:             walSeq,
		walSegments:        segments,
		pool:               NewMemTablePool(0),
		vs:                 vs,
		memTableBytesLimit: opts.MemTableBytesLimit,
		maxImmutables:      opts.MaxImmutables,
		flushCh:            make(chan flushTask, opts.MaxImmutables),
		compactionCh:       make(chan struct{}, 1),
		ctx:                dbCtx,
		cancel:             cancel,
	}

	active := NewMemTable()
	id, err := db.pool.Alloc(active)
	if err != nil {
		return nil, err
	}
	db.active, db.activeID = active, id

	if err := db.replayWAL(); err != nil {
		return nil, fmt.Errorf("lsm: replay wal for %s: %w", name, err)
	}

	db.wg.Add(flushWorkerCount + compactionWorkerCount)
	go db.flushWorker()
	go db.compactionWorker()

	log.Info("opened db", "last_sequence", vs.LastSequence())
	return db, nil
}

// replayWAL replays every segment in db.walSegments, in ascending
// order, into the active memtable. db.wal (opened on the highest
// segment) is replayed in place; older segments, left behind by a
// rotation whose memtable never finished flushing, are opened
// separately and closed again once replayed.
func (db *DB) replayWAL() error {
	apply := func(rec WALRecord) error {
		db.active.Add(rec.Seq, rec.ValType, rec.UserKey, rec.Value)
		if rec.Seq > db.vs.LastSequence() {
			db.vs.SetLastSequence(rec.Seq)
		}
		return nil
	}

	highest := db.walSegments[len(db.walSegments)-1]
	for _, seg := range db.walSegments {
		if seg == highest {
			if err := db.wal.Iterate(apply); err != nil {
				return err
			}
			continue
		}
		w, err := OpenWAL(db.walDir, seg)
		if err != nil {
			return err
		}
		err = w.Iterate(apply)
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// nextSequence assigns the next write's sequence number. The source
// engine's single-writer assumption holds here too: callers serialize
// through db.mu before calling this.
func (db *DB) nextSequence() ikey.Sequence {
	next := db.vs.LastSequence() + 1
	db.vs.SetLastSequence(next)
	return next
}

// Put implements engine.Engine.
func (db *DB) Put(ctx context.Context, key, value []byte) error {
	db.metrics.puts.Add(1)
	return db.write(key, value, ikey.TypeValue)
}

// Delete implements engine.Engine.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	db.metrics.deletes.Add(1)
	return db.write(key, nil, ikey.TypeDeletion)
}

func (db *DB) write(key, value []byte, vt ikey.ValueType) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	seq := db.nextSequence()
	if err := db.wal.Append(seq, vt, key, value); err != nil {
		return fmt.Errorf("lsm: wal append: %w", err)
	}
	db.active.Add(seq, vt, key, value)

	if db.active.ApproximateMemoryUsage() >= db.memTableBytesLimit {
		if err := db.rotateMemTableLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateMemTableLocked closes out the active memtable, queues it for
// flushing (along with every WAL segment backing it, for removal once
// the flush durably lands), and opens a fresh active memtable and WAL
// segment. Callers must hold db.mu.
func (db *DB) rotateMemTableLocked() error {
	oldID, old := db.activeID, db.active
	oldSegments := db.walSegments
	db.immutables = append(db.immutables, oldID)

	db.walSeq++
	newWAL, err := OpenWAL(db.walDir, db.walSeq)
	if err != nil {
		return fmt.Errorf("lsm: rotate wal: %w", err)
	}
	oldWAL := db.wal
	db.wal = newWAL
	db.walSegments = []int{db.walSeq}

	fresh := NewMemTable()
	id, err := db.pool.Alloc(fresh)
	if err != nil {
		return err
	}
	db.active, db.activeID = fresh, id

	// A full flush queue applies backpressure to writers rather than
	// dropping a memtable or growing the queue unboundedly.
	db.flushCh <- flushTask{id: oldID, m: old, walSegments: oldSegments}
	_ = oldWAL.Close()
	return nil
}

func (db *DB) flushWorker() {
	defer db.wg.Done()
	for {
		select {
		case <-db.ctx.Done():
			return
		case task, ok := <-db.flushCh:
			if !ok {
				return
			}
			if err := db.flushMemTable(task); err != nil {
				db.log.Error("flush failed", "error", err)
			}
		}
	}
}

func (db *DB) flushMemTable(task flushTask) error {
	fileNumber := db.vs.NewFileNumber()
	it := newMemtableKVIterator(task.m)

	w, err := NewSSTWriter(db.client, db.slabMgr, db.name, fileNumber, int(task.m.ApproximateMemoryUsage()/32+1))
	if err != nil {
		return err
	}
	for it.Next() {
		if err := w.WriteEntry(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	meta, err := w.Close(db.ctx)
	if err != nil {
		return err
	}

	fm := NewFileMetaData(fileNumber)
	fm.FileSize = uint64(meta.FileSize)
	fm.Smallest = meta.Smallest
	fm.Largest = meta.Largest

	edit := NewVersionEdit()
	edit.AddFile(0, fm)
	if _, err := db.vs.LogAndApply(db.ctx, edit); err != nil {
		return err
	}

	db.pool.Get(task.id).SetFlushed(fileNumber)

	db.mu.Lock()
	for i, id := range db.immutables {
		if id == task.id {
			db.immutables = append(db.immutables[:i], db.immutables[i+1:]...)
			break
		}
	}
	db.mu.Unlock()
	db.pool.Release(task.id)

	for _, seg := range task.walSegments {
		if err := removeWALSegment(db.walDir, seg); err != nil {
			db.log.Error("remove flushed wal segment", "segment", seg, "error", err)
		}
	}

	db.metrics.flushes.Add(1)
	db.log.Info("flushed memtable", "file_number", fileNumber, "keys", meta.KeyCount)
	db.tryScheduleCompaction()
	return nil
}

func (db *DB) tryScheduleCompaction() {
	select {
	case db.compactionCh <- struct{}{}:
	default:
	}
}

func (db *DB) compactionWorker() {
	defer db.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-db.ctx.Done():
			return
		case _, ok := <-db.compactionCh:
			if !ok {
				return
			}
			db.runOneCompaction()
		case <-ticker.C:
			db.runOneCompaction()
		}
	}
}

func (db *DB) runOneCompaction() {
	if !db.vs.NeedsCompaction() {
		return
	}
	c := db.vs.PickCompaction()
	if c == nil {
		return
	}
	if err := db.doCompaction(c); err != nil {
		db.log.Error("compaction failed", "error", err)
		return
	}
	db.metrics.compacts.Add(1)
	db.tryScheduleCompaction() // more work may remain
}

func (db *DB) doCompaction(c *Compaction) error {
	if c.IsTrivialMove() {
		f := c.inputs[0][0]
		c.edit.DeleteFile(c.level, f.Number)
		c.edit.AddFile(c.targetLevel, f)
		_, err := db.vs.LogAndApply(db.ctx, c.edit)
		return err
	}

	var sources []kvIterator
	for _, f := range c.allInputFiles() {
		it, err := NewSSTableIterator(db.ctx, db.client, db.slabMgr, db.name, f.Number, int64(f.FileSize))
		if err != nil {
			return err
		}
		sources = append(sources, it)
	}
	merged := NewMergingIterator(sources)
	defer merged.Close()

	edit := c.edit
	for _, f := range c.inputs[0] {
		edit.DeleteFile(c.level, f.Number)
	}
	for _, f := range c.inputs[1] {
		edit.DeleteFile(c.targetLevel, f.Number)
	}

	var w *SSTWriter
	var curFileNumber uint64
	openNew := func() error {
		curFileNumber = db.vs.NewFileNumber()
		var err error
		w, err = NewSSTWriter(db.client, db.slabMgr, db.name, curFileNumber, 1024)
		return err
	}
	closeCurrent := func() error {
		if w == nil {
			return nil
		}
		meta, err := w.Close(db.ctx)
		if err != nil {
			return err
		}
		fm := NewFileMetaData(curFileNumber)
		fm.FileSize = uint64(meta.FileSize)
		fm.Smallest = meta.Smallest
		fm.Largest = meta.Largest
		edit.AddFile(c.targetLevel, fm)
		w = nil
		return nil
	}

	for merged.Next() {
		if w == nil {
			if err := openNew(); err != nil {
				return err
			}
		}
		if err := w.WriteEntry(merged.Key(), merged.Value()); err != nil {
			return err
		}
		if c.ShouldStopBefore(merged.Key()) {
			if err := closeCurrent(); err != nil {
				return err
			}
		}
	}
	if err := merged.Err(); err != nil {
		return err
	}
	if err := closeCurrent(); err != nil {
		return err
	}

	_, err := db.vs.LogAndApply(db.ctx, edit)
	return err
}

// Get implements engine.Engine: active memtable, then immutables newest
// first, then L0 files newest first, then L1+ by binary-searched range,
// exactly the source engine's lookup order.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	db.metrics.gets.Add(1)
	seq := db.vs.LastSequence()

	db.mu.RLock()
	active := db.active
	active.Ref()
	var immuts []*MemTable
	for i := len(db.immutables) - 1; i >= 0; i-- {
		m := db.pool.Get(db.immutables[i])
		var dummy uint64
		if mt := m.Ref(&dummy); mt != nil {
			immuts = append(immuts, mt)
		}
	}
	db.mu.RUnlock()
	defer active.Unref()
	defer func() {
		for _, m := range immuts {
			m.Unref()
		}
	}()

	if v, found, ok := active.Get(key, seq); ok {
		if found {
			return v, nil
		}
		return nil, common.ErrNotFound
	}
	for _, m := range immuts {
		if v, found, ok := m.Get(key, seq); ok {
			if found {
				return v, nil
			}
			return nil, common.ErrNotFound
		}
	}

	cur := db.vs.Current()
	defer cur.Unref()

	// L0 files are appended newest-last (see applyEditLocked), so walk
	// them in reverse to consult the newest file first.
	l0 := cur.files[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		v, found, ok, err := ReadSSTFind(ctx, db.client, db.slabMgr, db.name, f.Number, int64(f.FileSize), key, uint64(seq))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if found {
			return v, nil
		}
		return nil, common.ErrNotFound
	}
	for level := 1; level < common.NumLevels; level++ {
		f := cur.FindFile(level, ikey.LookupKey(key, seq))
		if f == nil {
			continue
		}
		v, found, ok, err := ReadSSTFind(ctx, db.client, db.slabMgr, db.name, f.Number, int64(f.FileSize), key, uint64(seq))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if found {
			return v, nil
		}
		return nil, common.ErrNotFound
	}
	return nil, common.ErrNotFound
}

// NewBatch implements engine.Engine.
func (db *DB) NewBatch() engine.Batch { return NewBatch() }

// ApplyBatch implements engine.Engine: while holding db.mu, each entry in
// turn takes the next sequence number, is appended to the WAL as its own
// record, and is inserted into the active memtable.
func (db *DB) ApplyBatch(ctx context.Context, b engine.Batch) error {
	batch, ok := b.(*Batch)
	if !ok {
		return fmt.Errorf("lsm: apply batch: %w", common.ErrInvalidArgument)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, e := range batch.entries {
		vt := ikey.TypeValue
		if e.Tombstone {
			vt = ikey.TypeDeletion
		}
		seq := db.nextSequence()
		if err := db.wal.Append(seq, vt, e.Key, e.Value); err != nil {
			return fmt.Errorf("lsm: wal append: %w", err)
		}
		db.active.Add(seq, vt, e.Key, e.Value)
	}

	if db.active.ApproximateMemoryUsage() >= db.memTableBytesLimit {
		return db.rotateMemTableLocked()
	}
	return nil
}

// NewIterator implements engine.Engine: a full-table scan merging the
// active memtable, every immutable, and every SSTable across all levels.
func (db *DB) NewIterator() (engine.Iterator, error) {
	db.mu.RLock()
	active := db.active
	active.Ref()
	var immIDs []uint32
	immIDs = append(immIDs, db.immutables...)
	db.mu.RUnlock()

	var sources []kvIterator
	sources = append(sources, newMemtableKVIterator(active))
	for _, id := range immIDs {
		var dummy uint64
		if m := db.pool.Get(id).Ref(&dummy); m != nil {
			sources = append(sources, newMemtableKVIterator(m))
		}
	}

	cur := db.vs.Current()
	for level := 0; level < common.NumLevels; level++ {
		for _, f := range cur.files[level] {
			it, err := NewSSTableIterator(db.ctx, db.client, db.slabMgr, db.name, f.Number, int64(f.FileSize))
			if err != nil {
				cur.Unref()
				return nil, err
			}
			sources = append(sources, it)
		}
	}

	merged := NewMergingIterator(sources)
	return &dbIterator{merged: merged, version: cur, active: active}, nil
}

// dbIterator adapts mergingIterator (InternalKey-keyed) to
// engine.Iterator (user-key-keyed with tombstone flag), and releases the
// Version/memtable references it was built from on Close.
type dbIterator struct {
	merged  *mergingIterator
	version *Version
	active  *MemTable
}

func (it *dbIterator) Next() bool { return it.merged.Next() }
func (it *dbIterator) Key() []byte { return ikey.UserKey(it.merged.Key()) }
func (it *dbIterator) Value() *engine.Item {
	p, _ := ikey.Decode(it.merged.Key())
	return &engine.Item{Value: it.merged.Value(), Tombstone: p.ValType == ikey.TypeDeletion}
}
func (it *dbIterator) Error() error { return it.merged.Err() }
func (it *dbIterator) Close() error {
	err := it.merged.Close()
	it.version.Unref()
	it.active.Unref()
	return err
}

// IterKeysWithLimit returns up to limit user keys in ascending order,
// for admin/debug listing.
func (db *DB) IterKeysWithLimit(limit int) ([]string, error) {
	it, err := db.NewIterator()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, string(it.Key()))
	}
	return keys, it.Error()
}

// Compact implements engine.Engine by forcing at least one compaction
// cycle even if the automatic scoring wouldn't yet trigger one.
func (db *DB) Compact(ctx context.Context) error {
	c := db.vs.PickCompaction()
	if c == nil {
		return nil
	}
	return db.doCompaction(c)
}

// Close shuts the DB down: if the active memtable holds any data it is
// rotated onto the flush queue, then both work channels are closed, the
// background context is cancelled, the workers are waited for, and the
// WAL is closed. A queued flush may not run before the workers stop; its
// WAL segment stays on disk and is replayed by the next Open. Callers must quiesce writers before
// calling Close, the same single-writer assumption Put/Delete rely on.
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.mu.Lock()
		if db.active.ApproximateMemoryUsage() > 0 {
			err = db.rotateMemTableLocked()
		}
		db.mu.Unlock()
		if err != nil {
			return
		}

		close(db.flushCh)
		close(db.compactionCh)
		db.cancel()
		db.wg.Wait()
		err = db.wal.Close()
	})
	return err
}

// GetMetrics implements engine.Engine.
func (db *DB) GetMetrics() map[string]int64 {
	db.mu.RLock()
	immCount := len(db.immutables)
	activeBytes := db.active.ApproximateMemoryUsage()
	db.mu.RUnlock()

	cur := db.vs.Current()
	defer cur.Unref()

	m := map[string]int64{
		"puts":              db.metrics.puts.Load(),
		"gets":              db.metrics.gets.Load(),
		"deletes":           db.metrics.deletes.Load(),
		"flushes":           db.metrics.flushes.Load(),
		"compacts":          db.metrics.compacts.Load(),
		"immutable_count":   int64(immCount),
		"memtable_bytes":    activeBytes,
		"slab_bytes_in_use": db.slabMgr.InUse(),
	}
	for level := 0; level < common.NumLevels; level++ {
		m[fmt.Sprintf("level_%d_files", level)] = int64(len(cur.files[level]))
		m[fmt.Sprintf("level_%d_bytes", level)] = int64(cur.totalBytes(level))
	}
	return m
}

// Name returns the fragment's dbname, the key migration uses to stage
// its handoff buffer on the shared StoC store.
func (db *DB) Name() string { return db.name }

// LastSequence exposes the fragment's current sequence high-water mark,
// for the migration source's header.
func (db *DB) LastSequence() ikey.Sequence { return db.vs.LastSequence() }

// NextFileNumberHint exposes the next file number the fragment would
// allocate, for the migration source's header. It does not reserve the
// number.
func (db *DB) NextFileNumberHint() uint64 { return db.vs.PeekNextFileNumber() }

// ExportVersionEdit builds a VersionEdit that, applied to a freshly
// opened DB's empty VersionSet, recreates every file currently in this
// fragment's Version — the "version blob" a migration ships to the
// destination LTC.
func (db *DB) ExportVersionEdit() *VersionEdit {
	cur := db.vs.Current()
	defer cur.Unref()

	edit := NewVersionEdit()
	for level := 0; level < common.NumLevels; level++ {
		for _, f := range cur.files[level] {
			edit.AddFile(level, f)
		}
	}
	edit.SetLastSequence(db.vs.LastSequence())
	edit.SetNextFileNumber(db.vs.PeekNextFileNumber())
	return edit
}

// ImportVersionEdit installs edit (as produced by ExportVersionEdit on
// the source) into this fragment's VersionSet.
func (db *DB) ImportVersionEdit(ctx context.Context, edit *VersionEdit) error {
	_, err := db.vs.LogAndApply(ctx, edit)
	return err
}

// ExportMemtables returns every (encoded InternalKey, value) pair
// currently held in the active and immutable memtables, in ascending
// InternalKey order — the "memtable blob" a migration ships alongside
// the version blob to cover writes not yet flushed to an SSTable.
func (db *DB) ExportMemtables() ([][2][]byte, error) {
	db.mu.RLock()
	active := db.active
	active.Ref()
	var immuts []*MemTable
	for _, id := range db.immutables {
		var dummy uint64
		if m := db.pool.Get(id).Ref(&dummy); m != nil {
			immuts = append(immuts, m)
		}
	}
	db.mu.RUnlock()
	defer active.Unref()
	defer func() {
		for _, m := range immuts {
			m.Unref()
		}
	}()

	var out [][2][]byte
	for _, m := range append([]*MemTable{active}, immuts...) {
		it := m.NewIterator()
		for it.Next() {
			out = append(out, [2][]byte{
				append([]byte(nil), it.Key()...),
				append([]byte(nil), it.Value()...),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return ikey.Compare(out[i][0], out[j][0]) < 0 })
	return out, nil
}

// ImportMemtableEntry installs one (encoded InternalKey, value) pair
// produced by ExportMemtables directly into this fragment's active
// memtable, advancing last_sequence if needed. Used by a migration
// destination replaying the source's memtable blob.
func (db *DB) ImportMemtableEntry(internalKey, value []byte) error {
	p, ok := ikey.Decode(internalKey)
	if !ok {
		return fmt.Errorf("lsm: import memtable entry: %w", common.ErrInvalidArgument)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.active.Add(p.Seq, p.ValType, p.UserKey, value)
	if p.Seq > db.vs.LastSequence() {
		db.vs.SetLastSequence(p.Seq)
	}
	return nil
}
