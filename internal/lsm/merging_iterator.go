package lsm

import (
	"container/heap"

	"github.com/nconghau/novadb/internal/ikey"
)

// mergingHeapItem is one live source in the merge, ordered by its
// current InternalKey.
type mergingHeapItem struct {
	src   kvIterator
	key   []byte
	value []byte
}

type mergingHeap []*mergingHeapItem

func (h mergingHeap) Len() int            { return len(h) }
func (h mergingHeap) Less(i, j int) bool  { return ikey.Compare(h[i].key, h[j].key) < 0 }
func (h mergingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergingHeap) Push(x interface{}) { *h = append(*h, x.(*mergingHeapItem)) }
func (h *mergingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergingIterator fans multiple ascending-InternalKey sources (memtables,
// SSTables) into one ascending, de-duplicated stream: for each distinct
// user key it surfaces only the newest version across all sources, and
// it never surfaces that version if it's a tombstone (Next skips past
// it). This mirrors the source engine's merging iterator used both for
// Get's fallback scan and for compaction input.
type mergingIterator struct {
	h   mergingHeap
	key []byte
	val []byte
	err error
}

// NewMergingIterator seeds the heap with the first element of every
// source and takes ownership of closing them.
func NewMergingIterator(sources []kvIterator) *mergingIterator {
	m := &mergingIterator{}
	for _, s := range sources {
		if s.Next() {
			heap.Push(&m.h, &mergingHeapItem{src: s, key: s.Key(), value: s.Value()})
		} else if err := s.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next distinct, live (non-tombstone) user key.
func (m *mergingIterator) Next() bool {
	for m.h.Len() > 0 {
		top := heap.Pop(&m.h).(*mergingHeapItem)
		m.key, m.val = top.key, top.value
		userKey := ikey.UserKey(top.key)
		isTombstone := false
		if p, ok := ikey.Decode(top.key); ok {
			isTombstone = p.ValType == ikey.TypeDeletion
		}

		m.advance(top)

		// Drain and discard every older version of the same user key
		// from every source, so the caller only ever sees one entry per
		// key per Next call.
		for m.h.Len() > 0 && sameUserKey(m.h[0].key, userKey) {
			dup := heap.Pop(&m.h).(*mergingHeapItem)
			m.advance(dup)
		}

		if isTombstone {
			continue
		}
		return true
	}
	return false
}

func (m *mergingIterator) advance(item *mergingHeapItem) {
	if item.src.Next() {
		item.key, item.value = item.src.Key(), item.src.Value()
		heap.Push(&m.h, item)
		return
	}
	if err := item.src.Err(); err != nil {
		m.err = err
	}
	item.src.Close()
}

func sameUserKey(encodedKey, userKey []byte) bool {
	return string(ikey.UserKey(encodedKey)) == string(userKey)
}

func (m *mergingIterator) Key() []byte   { return m.key }
func (m *mergingIterator) Value() []byte { return m.val }
func (m *mergingIterator) Err() error    { return m.err }

func (m *mergingIterator) Close() error {
	for _, item := range m.h {
		item.src.Close()
	}
	return m.err
}
