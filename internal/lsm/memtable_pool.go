package lsm

import (
	"fmt"
	"sync"

	"github.com/nconghau/novadb/internal/common"
)

// MemTablePool is the fixed-size array of AtomicMemTable slots a
// fragment's DB draws memtable ids from, mirroring
// mid_table_mapping_[MAX_LIVE_MEMTABLES] in the version set. Ids are
// recycled through a free list instead of scanning the array linearly.
type MemTablePool struct {
	slots []AtomicMemTable

	mu       sync.Mutex
	freeIDs  []uint32
	nextID   uint32
}

// NewMemTablePool builds a pool with capacity memtable ids.
func NewMemTablePool(capacity int) *MemTablePool {
	if capacity <= 0 || capacity > common.MaxLiveMemtables {
		capacity = common.MaxLiveMemtables
	}
	return &MemTablePool{slots: make([]AtomicMemTable, capacity)}
}

// Alloc reserves a fresh memtable id, installs m into it, and returns the
// id. It returns an error if the pool is exhausted, the Go analogue of
// the source's MAX_LIVE_MEMTABLES capacity bound.
func (p *MemTablePool) Alloc(m *MemTable) (uint32, error) {
	p.mu.Lock()
	var id uint32
	if n := len(p.freeIDs); n > 0 {
		id = p.freeIDs[n-1]
		p.freeIDs = p.freeIDs[:n-1]
	} else {
		if int(p.nextID) >= len(p.slots) {
			p.mu.Unlock()
			return 0, fmt.Errorf("lsm: memtable pool exhausted at %d slots: %w", len(p.slots), common.ErrCapacityExceeded)
		}
		id = p.nextID
		p.nextID++
	}
	p.mu.Unlock()

	p.slots[id].SetMemTable(m)
	return id, nil
}

// Get returns the slot for id.
func (p *MemTablePool) Get(id uint32) *AtomicMemTable {
	return &p.slots[id]
}

// Release returns id to the free list after its slot has been reset to
// Empty (the memtable was flushed and the flush's L0 file has itself
// been durably recorded in a Version).
func (p *MemTablePool) Release(id uint32) {
	p.slots[id].Reset()
	p.mu.Lock()
	p.freeIDs = append(p.freeIDs, id)
	p.mu.Unlock()
}
