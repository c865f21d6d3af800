package lsm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/huandu/skiplist"

	"github.com/nconghau/novadb/internal/ikey"
)

// entry is the value stored in a MemTable's skiplist: the user value
// (nil for a tombstone) plus the encoded InternalKey it was stored
// under, so iteration can recover the sequence number and type.
type entry struct {
	ikey  []byte
	value []byte
}

// MemTable is the in-memory, sorted write buffer for one fragment's LSM
// tree. It is backed by huandu/skiplist keyed by the InternalKey
// comparator (user key ascending, sequence descending), so Get on a
// user key naturally lands on its newest version first.
type MemTable struct {
	sl       *skiplist.SkipList
	approxBytes int64
	refs     int32
}

// internalKeyComparator adapts ikey.Compare to skiplist.Comparable.
type internalKeyComparator struct{}

func (internalKeyComparator) Compare(lhs, rhs interface{}) int {
	return ikey.Compare(lhs.([]byte), rhs.([]byte))
}

func (internalKeyComparator) CalcScore(key interface{}) float64 {
	// huandu/skiplist only uses CalcScore for its own internal leveling
	// heuristic; returning 0 for every key is safe since Compare fully
	// orders elements and the skiplist only uses score as a fast path.
	return 0
}

// NewMemTable creates an empty memtable with one implicit reference held
// by its creator.
func NewMemTable() *MemTable {
	return &MemTable{
		sl:   skiplist.New(internalKeyComparator{}),
		refs: 1,
	}
}

// Add inserts a new version of userKey into the table under the given
// sequence number and value type.
func (m *MemTable) Add(seq ikey.Sequence, vt ikey.ValueType, userKey, value []byte) {
	ik := ikey.Encode(nil, userKey, seq, vt)
	m.sl.Set(ik, entry{ikey: ik, value: value})
	atomic.AddInt64(&m.approxBytes, int64(len(ik)+len(value)))
}

// Get looks up the newest committed value of userKey as of snapshot seq.
// ok is false if no version of the key exists at or below seq; found is
// false (with ok true) if the newest such version is a tombstone.
func (m *MemTable) Get(userKey []byte, seq ikey.Sequence) (value []byte, found, ok bool) {
	lookup := ikey.LookupKey(userKey, seq)
	el := m.sl.Find(lookup)
	if el == nil {
		return nil, false, false
	}
	e := el.Value.(entry)
	p, decOK := ikey.Decode(e.ikey)
	if !decOK || string(p.UserKey) != string(userKey) {
		return nil, false, false
	}
	if p.ValType == ikey.TypeDeletion {
		return nil, false, true
	}
	return e.value, true, true
}

// ApproximateMemoryUsage estimates the bytes held by this memtable,
// used to decide when to rotate it into an immutable.
func (m *MemTable) ApproximateMemoryUsage() int64 {
	return atomic.LoadInt64(&m.approxBytes)
}

// NewIterator returns an iterator over all (InternalKey, value) pairs in
// ascending InternalKey order.
func (m *MemTable) NewIterator() *memTableIterator {
	return &memTableIterator{next: m.sl.Front()}
}

// memTableIterator walks a memtable's skiplist front to back. Call Next
// before the first Key/Value, standard Go iterator style.
type memTableIterator struct {
	cur  *skiplist.Element
	next *skiplist.Element
}

func (it *memTableIterator) Next() bool {
	if it.next == nil {
		it.cur = nil
		return false
	}
	it.cur = it.next
	it.next = it.next.Next()
	return true
}

func (it *memTableIterator) Key() []byte {
	return it.cur.Value.(entry).ikey
}

func (it *memTableIterator) Value() []byte {
	return it.cur.Value.(entry).value
}

// Ref/Unref implement simple, single-process reference counting; a
// MemTable is kept alive while either the active writer or a background
// flush/compaction holds a reference.
func (m *MemTable) Ref() {
	atomic.AddInt32(&m.refs, 1)
}

func (m *MemTable) Unref() int32 {
	r := atomic.AddInt32(&m.refs, -1)
	if r < 0 {
		panic("lsm: memtable refcount underflow")
	}
	return r
}

// memState is the lifecycle of an AtomicMemTable slot: Empty -> Live(m)
// -> Flushed(fileNumber) -> Empty, per the data model's memtable
// lifecycle.
type memState int

const (
	memEmpty memState = iota
	memLive
	memFlushed
)

// AtomicMemTable is one slot in the memtable pool: it holds either a live
// MemTable or, once flushed, the L0 file number the data now lives in,
// so that a Get racing a flush always finds the data somewhere.
type AtomicMemTable struct {
	mu          sync.Mutex
	state       memState
	mem         *MemTable
	l0FileNumber uint64
}

// SetMemTable installs a freshly allocated live memtable into an Empty
// slot.
func (a *AtomicMemTable) SetMemTable(m *MemTable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != memEmpty {
		panic("lsm: SetMemTable on non-empty slot")
	}
	a.mem = m
	a.state = memLive
}

// SetFlushed transitions a Live slot to Flushed, recording the L0 file
// number the memtable's contents were written to.
func (a *AtomicMemTable) SetFlushed(l0FileNumber uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != memLive {
		panic("lsm: SetFlushed on slot not Live")
	}
	a.l0FileNumber = l0FileNumber
	a.state = memFlushed
}

// Reset returns the slot to Empty, ready for reuse by a new memtable id.
func (a *AtomicMemTable) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mem = nil
	a.l0FileNumber = 0
	a.state = memEmpty
}

// Ref resolves the slot for a reader: if still Live it returns the
// memtable with its refcount bumped; if already Flushed it returns nil
// and sets *l0FileNumber so the caller falls through to the L0 file
// instead of racing the flush.
func (a *AtomicMemTable) Ref(l0FileNumber *uint64) *MemTable {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case memLive:
		a.mem.Ref()
		return a.mem
	case memFlushed:
		*l0FileNumber = a.l0FileNumber
		return nil
	default:
		panic(fmt.Sprintf("lsm: Ref on slot in state %d", a.state))
	}
}

// State reports the slot's current state (Empty, Live or Flushed).
func (a *AtomicMemTable) State() memState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
