package lsm

// BatchEntry represents one write (Put or Delete) inside a Batch.
type BatchEntry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Batch is a group of writes applied in order by DB.ApplyBatch under one
// hold of the DB's write lock. Each entry gets its own sequence number,
// WAL record and memtable insert; a concurrent Get or a crash part-way
// through can observe only some of the entries.
type Batch struct {
	entries []*BatchEntry
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{entries: make([]*BatchEntry, 0, 8)}
}

// Put adds a Put operation to the batch.
func (b *Batch) Put(key, value []byte) {
	b.entries = append(b.entries, &BatchEntry{Key: key, Value: value})
}

// Delete adds a tombstone operation to the batch.
func (b *Batch) Delete(key []byte) {
	b.entries = append(b.entries, &BatchEntry{Key: key, Tombstone: true})
}

// Size returns the number of operations queued in the batch.
func (b *Batch) Size() int {
	return len(b.entries)
}
