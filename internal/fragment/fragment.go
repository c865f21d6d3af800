// Package fragment implements the keyspace partitioning a Nova cluster
// uses to assign ranges of keys to LTC nodes: one Fragment per
// contiguous key range (or hash bucket), each backed by its own
// engine.Engine (one LSM tree per fragment).
package fragment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/engine"
)

// Mode selects how a Table maps a key to a fragment.
type Mode int

const (
	// ModeRange assigns fragments to disjoint, keyspace-covering
	// [KeyStart, KeyEnd) ranges, located by binary search.
	ModeRange Mode = iota
	// ModeHash assigns a key to fragment (hash(key) % len(fragments)).
	ModeHash
)

// Fragment is one keyspace partition: the range it owns, which LTC and
// worker currently home it, and (once opened) the engine backing it.
type Fragment struct {
	KeyStart uint64
	KeyEnd   uint64
	HomeLTCID int
	WorkerID  int

	DB engine.Engine
}

// Table is the in-memory fragment map a node consults to route a request
// to the right engine. Fragments are kept sorted by KeyStart so range
// mode can binary search.
type Table struct {
	mode      Mode
	fragments []*Fragment
}

// NewTable builds a Table from a fragment list in any order; range mode
// sorts its own copy by KeyStart so Lookup's binary search is valid.
func NewTable(mode Mode, fragments []*Fragment) (*Table, error) {
	if mode != ModeRange {
		return &Table{mode: mode, fragments: fragments}, nil
	}
	sorted := append([]*Fragment(nil), fragments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].KeyStart < sorted[j].KeyStart })
	if err := checkDisjointAndCovering(sorted); err != nil {
		return nil, err
	}
	return &Table{mode: mode, fragments: sorted}, nil
}

// checkDisjointAndCovering verifies sorted (already ordered by KeyStart)
// has no gaps or overlaps between consecutive ranges.
func checkDisjointAndCovering(sorted []*Fragment) error {
	for i, f := range sorted {
		if f.KeyStart >= f.KeyEnd {
			return fmt.Errorf("fragment: empty or inverted range [%d,%d): %w", f.KeyStart, f.KeyEnd, common.ErrInvalidArgument)
		}
		if i > 0 && sorted[i-1].KeyEnd != f.KeyStart {
			return fmt.Errorf("fragment: ranges not disjoint/covering between end %d and start %d: %w", sorted[i-1].KeyEnd, f.KeyStart, common.ErrInvalidArgument)
		}
	}
	return nil
}

// Name returns the stable identifier a fragment is addressed by in the
// CLI and HTTP admin API, built from its key range in both modes.
func (f *Fragment) Name() string {
	return fmt.Sprintf("frag-%d-%d", f.KeyStart, f.KeyEnd)
}

// Fragments returns every fragment in the table, in the order NewTable
// was given them (range mode: sorted by KeyStart).
func (t *Table) Fragments() []*Fragment {
	return t.fragments
}

// Find returns the fragment whose Name matches name, or nil.
func (t *Table) Find(name string) *Fragment {
	for _, f := range t.fragments {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// Lookup returns the fragment owning key, or nil if none does: in hash
// mode only when the table is empty, in range mode when the key's
// ordinal falls outside every fragment's [KeyStart, KeyEnd).
func (t *Table) Lookup(key []byte) *Fragment {
	switch t.mode {
	case ModeHash:
		if len(t.fragments) == 0 {
			return nil
		}
		return t.fragments[int(keyHash(key)%uint64(len(t.fragments)))]
	default:
		k := keyOrdinal(key)
		idx := sort.Search(len(t.fragments), func(i int) bool {
			return t.fragments[i].KeyEnd > k
		})
		if idx < len(t.fragments) && k >= t.fragments[idx].KeyStart {
			return t.fragments[idx]
		}
		return nil
	}
}

// keyOrdinal maps a key to the uint64 ordinal range mode compares
// against KeyStart/KeyEnd: the key's big-endian prefix, zero-padded, so
// lexical byte order and ordinal order agree (required for range mode's
// disjoint/covering partitioning to mean anything).
func keyOrdinal(key []byte) uint64 {
	var buf [8]byte
	copy(buf[:], key)
	return binary.BigEndian.Uint64(buf[:])
}

func keyHash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

// ReadFragments parses the fragment configuration file format from the
// external interfaces spec: one fragment per line, whitespace-separated
// "key_start key_end server_id worker_id" in decimal. It fails fast (on
// the first malformed line) rather than skipping bad entries.
func ReadFragments(path string) ([]*Fragment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fragment: open %s: %w", path, err)
	}
	defer f.Close()
	return parseFragments(f, path)
}

func parseFragments(r io.Reader, path string) ([]*Fragment, error) {
	var out []*Fragment
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("fragment: %s:%d: expected 4 fields, got %d: %w", path, lineNo, len(fields), common.ErrInvalidArgument)
		}
		keyStart, err1 := strconv.ParseUint(fields[0], 10, 64)
		keyEnd, err2 := strconv.ParseUint(fields[1], 10, 64)
		serverID, err3 := strconv.Atoi(fields[2])
		workerID, err4 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, fmt.Errorf("fragment: %s:%d: malformed fragment line %q: %w", path, lineNo, line, common.ErrInvalidArgument)
		}
		out = append(out, &Fragment{
			KeyStart:  keyStart,
			KeyEnd:    keyEnd,
			HomeLTCID: serverID,
			WorkerID:  workerID,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fragment: scan %s: %w", path, err)
	}
	return out, nil
}
