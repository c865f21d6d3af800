package lsm

import (
	"github.com/nconghau/novadb/internal/ikey"
)

// maxGrandparentOverlapBytes bounds how much of the level+2 ("grandparent")
// key range a single compaction output file may overlap, so later
// compactions that touch that output don't have to read an excessive
// amount of grandparent data.
const maxGrandparentOverlapBytes = 20 * 1024 * 1024

// maxOutputFileSize bounds a single compaction output SSTable.
const maxOutputFileSize = 2 * 1024 * 1024

// Compaction describes one compaction job: merge inputs[0] (the picked
// level) with inputs[1] (the overlapping files at level+1) into a set of
// new files at level+1.
type Compaction struct {
	level       int
	targetLevel int
	inputs      [2][]*FileMetaData
	grandparents []*FileMetaData

	edit *VersionEdit

	grandparentIndex  int
	seenKey           bool
	overlappedBytes   uint64
}

// allInputFiles returns every file this compaction reads, used to check
// for overlap against other concurrently scheduled compactions.
func (c *Compaction) allInputFiles() []*FileMetaData {
	out := make([]*FileMetaData, 0, len(c.inputs[0])+len(c.inputs[1]))
	out = append(out, c.inputs[0]...)
	out = append(out, c.inputs[1]...)
	return out
}

// IsTrivialMove reports whether this compaction can skip rewriting data
// entirely: a single L0-adjacent input file with no overlapping files at
// level+1, and little enough grandparent overlap that simply relinking
// the file one level down is safe.
func (c *Compaction) IsTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		sumFileSize(c.grandparents) <= maxGrandparentOverlapBytes
}

func sumFileSize(files []*FileMetaData) uint64 {
	var sum uint64
	for _, f := range files {
		sum += f.FileSize
	}
	return sum
}

// ShouldStopBefore decides whether the compaction output currently being
// built should be cut into a new file before appending internalKey,
// because continuing would make the file overlap too much grandparent
// data. It must be called with keys in increasing order.
func (c *Compaction) ShouldStopBefore(internalKey []byte) bool {
	for c.grandparentIndex < len(c.grandparents) &&
		ikey.Compare(internalKey, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].FileSize
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > maxGrandparentOverlapBytes {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// PickCompaction selects a compaction for the current version's
// highest-scoring level, or nil if every level is empty. It does not
// check the trigger threshold itself: the background worker gates on
// NeedsCompaction first, while DB.Compact calls it directly to force a
// cycle. Level 0 is scored by file count; L1+ by accumulated byte size
// over the level's target; on a tie the lower level wins. Within L1+,
// compactPointer makes successive picks walk the level's files in turn.
func (vs *VersionSet) PickCompaction() *Compaction {
	cur := vs.Current()
	defer cur.Unref()

	if cur.compactionLevel < 0 {
		return nil
	}
	level := cur.compactionLevel

	var picked *FileMetaData
	if level == 0 {
		// L0 compactions always take every L0 file, since they may
		// overlap arbitrarily with each other.
	} else {
		for _, f := range cur.files[level] {
			if vs.compactPointer[level] == nil || compareEncoded(f.Largest, vs.compactPointer[level]) > 0 {
				picked = f
				break
			}
		}
		if picked == nil && len(cur.files[level]) > 0 {
			picked = cur.files[level][0]
		}
		if picked == nil {
			return nil
		}
	}

	c := &Compaction{level: level, targetLevel: level + 1, edit: NewVersionEdit()}

	if level == 0 {
		c.inputs[0] = append([]*FileMetaData(nil), cur.files[0]...)
		var smallest, largest []byte
		for _, f := range c.inputs[0] {
			smallest, largest = expandRange(smallest, largest, f)
		}
		c.inputs[1] = cur.GetOverlappingInputs(1, smallest, largest)
	} else {
		c.inputs[0] = []*FileMetaData{picked}
		c.inputs[1] = cur.GetOverlappingInputs(level+1, picked.Smallest, picked.Largest)
		vs.compactPointer[level] = append([]byte(nil), picked.Largest...)
	}

	var smallest, largest []byte
	for _, f := range c.inputs[0] {
		smallest, largest = expandRange(smallest, largest, f)
	}
	for _, f := range c.inputs[1] {
		smallest, largest = expandRange(smallest, largest, f)
	}
	if level+2 < len(cur.files) {
		c.grandparents = cur.GetOverlappingInputs(level+2, smallest, largest)
	}

	return c
}

func expandRange(smallest, largest []byte, f *FileMetaData) ([]byte, []byte) {
	if smallest == nil || ikey.Compare(f.Smallest, smallest) < 0 {
		smallest = f.Smallest
	}
	if largest == nil || ikey.Compare(f.Largest, largest) > 0 {
		largest = f.Largest
	}
	return smallest, largest
}
