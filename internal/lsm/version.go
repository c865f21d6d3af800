package lsm

import (
	"sort"
	"sync"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/ikey"
)

// Version is an immutable snapshot of which files make up each level.
// Versions form an intrusive doubly-linked ring owned by the VersionSet
// (the cyclic-list redesign from the design notes) instead of a raw
// linked list scattered across the codebase; current() is always the
// ring's single "live" entry.
type Version struct {
	id    uint64
	files [common.NumLevels][]*FileMetaData

	next, prev *Version // ring pointers, owned by VersionSet only

	mu               sync.Mutex
	refs             int
	compactionScore  float64
	compactionLevel  int
}

func newVersion(id uint64) *Version {
	v := &Version{id: id}
	v.next, v.prev = v, v
	return v
}

// Ref/Unref track how many callers (readers, or the VersionSet itself)
// are using this snapshot; a Version is only freed from the ring once
// its refcount reaches zero and it is no longer current.
func (v *Version) Ref() {
	v.mu.Lock()
	v.refs++
	v.mu.Unlock()
}

func (v *Version) Unref() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs <= 0 {
		panic("lsm: version refcount underflow")
	}
	v.refs--
	return v.refs
}

// Files returns the file list for a level; callers must not mutate it.
func (v *Version) Files(level int) []*FileMetaData {
	return v.files[level]
}

// ID is the version's monotonically increasing identifier.
func (v *Version) ID() uint64 { return v.id }

// FindFile returns a file at level whose range could contain internalKey,
// or nil. Level 0 is scanned newest file first; higher levels, whose
// files are sorted and disjoint, are binary-searched.
func (v *Version) FindFile(level int, internalKey []byte) *FileMetaData {
	files := v.files[level]
	if level == 0 {
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if ikey.Compare(internalKey, f.Smallest) >= 0 && ikey.Compare(internalKey, f.Largest) <= 0 {
				return f
			}
		}
		return nil
	}
	idx := sort.Search(len(files), func(i int) bool {
		return ikey.Compare(files[i].Largest, internalKey) >= 0
	})
	if idx < len(files) && ikey.Compare(internalKey, files[idx].Smallest) >= 0 {
		return files[idx]
	}
	return nil
}

// GetOverlappingInputs returns every file at level whose [smallest,
// largest] range overlaps [begin, end] (encoded InternalKeys; nil means
// unbounded on that side).
func (v *Version) GetOverlappingInputs(level int, begin, end []byte) []*FileMetaData {
	var out []*FileMetaData
	for _, f := range v.files[level] {
		if begin != nil && ikey.Compare(f.Largest, begin) < 0 {
			continue
		}
		if end != nil && ikey.Compare(f.Smallest, end) > 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// totalBytes sums FileSize across a level, used for compaction scoring.
func (v *Version) totalBytes(level int) uint64 {
	var sum uint64
	for _, f := range v.files[level] {
		sum += f.FileSize
	}
	return sum
}

// ComputeNonOverlappingSet picks, greedily and in input order, the
// compactions from in that share no input file with an earlier picked
// one, so they can run concurrently. It returns those compactions as one
// non-overlapping batch.
func ComputeNonOverlappingSet(in []*Compaction) []*Compaction {
	var out []*Compaction
	used := map[uint64]bool{}
	for _, c := range in {
		overlap := false
		for _, f := range c.allInputFiles() {
			if used[f.Number] {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for _, f := range c.allInputFiles() {
			used[f.Number] = true
		}
		out = append(out, c)
	}
	return out
}

// AssertNonOverlappingSet verifies the invariant ComputeNonOverlappingSet
// is supposed to establish: no two compactions in the set share an input
// file. It returns (true, "") when the set is valid, or (false, reason).
func AssertNonOverlappingSet(cs []*Compaction) (bool, string) {
	seenFiles := map[uint64]int{}
	for i, c := range cs {
		for _, f := range c.allInputFiles() {
			if j, ok := seenFiles[f.Number]; ok {
				return false, fmtOverlap(j, i, f.Number)
			}
			seenFiles[f.Number] = i
		}
	}
	return true, ""
}

func fmtOverlap(i, j int, fileNumber uint64) string {
	return "compactions share input file: " + itoa(fileNumber) + " used by both index " + itoa(uint64(i)) + " and " + itoa(uint64(j))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
