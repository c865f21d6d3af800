// Package slab implements a fixed-size-class memory allocator modeled on
// NovaMemManager: each size class hands out equal-size items, allocated
// from the Go heap the first time they are needed and then recycled
// through a per-class free list instead of being released. RemoteFile buffers are allocated
// from here so their lifetime spans an RDMA round trip without extra GC
// pressure.
package slab

import (
	"fmt"
	"sync"

	"github.com/nconghau/novadb/internal/common"
)

// sizeClasses mirrors memcached-style slab growth: each class is roughly
// 1.25x the previous one, starting at 4KiB, capped at 16MiB.
var sizeClasses = buildSizeClasses(4*1024, 16*1024*1024, 1.25)

func buildSizeClasses(start, max int, growth float64) []int {
	classes := []int{start}
	for {
		next := int(float64(classes[len(classes)-1]) * growth)
		if next > max {
			break
		}
		classes = append(classes, next)
	}
	return classes
}

// ClassID returns the smallest size class that fits n bytes, or -1 if n
// exceeds the largest class.
func ClassID(n int) int {
	for i, sz := range sizeClasses {
		if n <= sz {
			return i
		}
	}
	return -1
}

type slabClass struct {
	mu        sync.Mutex
	itemSize  int
	freeList  [][]byte
	allocated int // bytes handed out and not yet freed
}

// Manager is a thread-safe fixed-class allocator. One Manager is shared by
// every worker on an LTC or StoC node; per-class locking (not a single
// global lock) keeps unrelated size classes from contending.
type Manager struct {
	budget   int64
	classes  []*slabClass
	mu       sync.Mutex // guards totalUsed only
	totalUsed int64
}

// NewManager builds a Manager that will refuse allocations once more than
// budgetBytes are outstanding across all classes.
func NewManager(budgetBytes int64) *Manager {
	m := &Manager{budget: budgetBytes}
	m.classes = make([]*slabClass, len(sizeClasses))
	for i, sz := range sizeClasses {
		m.classes[i] = &slabClass{itemSize: sz}
	}
	return m
}

// Alloc returns a buffer of at least n bytes drawn from the smallest
// size class that fits, reusing a freed item when one is available.
func (m *Manager) Alloc(n int) ([]byte, int, error) {
	scid := ClassID(n)
	if scid < 0 {
		return nil, 0, fmt.Errorf("slab: %d bytes exceeds largest class %d: %w", n, sizeClasses[len(sizeClasses)-1], common.ErrCapacityExceeded)
	}
	c := m.classes[scid]

	m.mu.Lock()
	if m.budget > 0 && m.totalUsed+int64(c.itemSize) > m.budget {
		m.mu.Unlock()
		return nil, 0, fmt.Errorf("slab: budget %d exceeded: %w", m.budget, common.ErrOutOfMemory)
	}
	m.totalUsed += int64(c.itemSize)
	m.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.freeList) > 0 {
		last := len(c.freeList) - 1
		buf := c.freeList[last]
		c.freeList = c.freeList[:last]
		return buf, scid, nil
	}
	return make([]byte, c.itemSize), scid, nil
}

// Free returns buf to its size class's free list for reuse.
func (m *Manager) Free(buf []byte, scid int) {
	if scid < 0 || scid >= len(m.classes) {
		return
	}
	c := m.classes[scid]
	c.mu.Lock()
	c.freeList = append(c.freeList, buf[:cap(buf)])
	c.mu.Unlock()

	m.mu.Lock()
	m.totalUsed -= int64(c.itemSize)
	if m.totalUsed < 0 {
		m.totalUsed = 0
	}
	m.mu.Unlock()
}

// InUse reports the number of bytes currently allocated across all
// classes, for metrics/admin reporting.
func (m *Manager) InUse() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalUsed
}
