package lsm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/rdma"
	"github.com/nconghau/novadb/internal/slab"
)

// manifestLog is a length-prefixed log of encoded VersionEdit records,
// stored as a StoC-hosted file (the role NovaCCMemFile plays for the
// manifest in the source engine). It keeps every record in memory and
// each Sync sends the whole log to the StoC node through the block
// client, replacing the previous copy of the file.
// Each record is: length(u32 little-endian) | payload.
type manifestLog struct {
	client rdma.BlockClient
	slab   *slab.Manager
	dbname string
	fileNumber uint64

	buf []byte // every record appended so far
}

func newManifestLog(client rdma.BlockClient, slabMgr *slab.Manager, dbname string, fileNumber uint64) *manifestLog {
	return &manifestLog{client: client, slab: slabMgr, dbname: dbname, fileNumber: fileNumber}
}

func (m *manifestLog) Append(record []byte) {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(record)))
	m.buf = append(m.buf, lenbuf[:]...)
	m.buf = append(m.buf, record...)
}

// Sync writes the whole accumulated manifest to the StoC node.
func (m *manifestLog) Sync(ctx context.Context) error {
	id := m.client.InitiateFlushSSTable(ctx, m.dbname, m.fileNumber, m.buf)
	res := m.client.Wait(id)
	if res.Err != nil {
		return fmt.Errorf("lsm: manifest sync: %w", res.Err)
	}
	return nil
}

// readManifestRecords decodes every length-prefixed VersionEdit record
// in buf, in order.
func readManifestRecords(buf []byte) ([]*VersionEdit, error) {
	var edits []*VersionEdit
	off := 0
	for off < len(buf) {
		if len(buf)-off < 4 {
			return nil, fmt.Errorf("lsm: truncated manifest record length: %w", common.ErrCorruption)
		}
		n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if len(buf)-off < n {
			return nil, fmt.Errorf("lsm: truncated manifest record body: %w", common.ErrCorruption)
		}
		e, err := DecodeVersionEdit(buf[off : off+n])
		if err != nil {
			return nil, err
		}
		edits = append(edits, e)
		off += n
	}
	return edits, nil
}

// loadManifest fetches and decodes a manifest file from the StoC node,
// returning an empty edit list if it doesn't exist yet (a brand-new DB).
func loadManifest(ctx context.Context, client rdma.BlockClient, dbname string, fileNumber uint64) ([]*VersionEdit, error) {
	id := client.InitiateReadSSTable(ctx, dbname, fileNumber)
	buf, err := client.ReadAllResult(id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return readManifestRecords(buf)
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
