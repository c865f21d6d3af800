// Package rdma models the RDMA fabric between an LTC and its StoC nodes
// as a Go interface: BlockClient. Requests are initiated asynchronously
// and complete out of order; a caller polls IsDone or blocks on Wait,
// mirroring the busy-poll completion-queue pattern the source engine
// uses for its InitiateRead*/InitiateFlush*/InitiateRDMAWrite calls.
//
// The only shipped transport, LoopbackClient, dispatches directly to an
// in-process StoC store on a worker goroutine. A network-backed transport
// (TCP, or real RDMA verbs) implements the same interface and is a drop-in
// replacement; nothing above this package depends on the transport.
package rdma

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nconghau/novadb/internal/common"
	"github.com/nconghau/novadb/internal/stoc"
)

// RequestID identifies one in-flight asynchronous operation.
type RequestID uint32

// Result is what a completed request produced: for reads, the number of
// bytes placed in the caller's scratch buffer; for writes/flushes, an
// error only.
type Result struct {
	N   int
	Err error
}

// BlockClient is the LTC-side handle onto one StoC node's fabric
// endpoint. All Initiate* calls return immediately with a RequestID;
// the caller learns the outcome via IsDone or Wait.
type BlockClient interface {
	InitiateReadBlock(ctx context.Context, dbname string, fileNumber uint64, offset int64, scratch []byte) RequestID
	InitiateReadSSTable(ctx context.Context, dbname string, fileNumber uint64) RequestID
	InitiateFlushSSTable(ctx context.Context, dbname string, fileNumber uint64, data []byte) RequestID
	InitiateRDMAWrite(ctx context.Context, dbname string, fileNumber uint64, data []byte) RequestID

	// IsDone is a non-blocking poll: (done, result-if-done).
	IsDone(id RequestID) (bool, Result)
	// Wait blocks until id completes and returns its result.
	Wait(id RequestID) Result

	// ReadAllResult retrieves the buffer produced by a completed
	// InitiateReadSSTable request (prefetch-all mode).
	ReadAllResult(id RequestID) ([]byte, error)

	Close()
}

type pending struct {
	done chan struct{}
	res  Result
	buf  []byte // populated for InitiateReadSSTable
}

// LoopbackClient dispatches every request to an in-process StoC Store on
// a bounded pool of worker goroutines, modeling the async completion
// queue without a real network hop.
type LoopbackClient struct {
	store   *stoc.Store
	log     *slog.Logger
	nextID  atomic.Uint32
	work    chan func()
	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[RequestID]*pending
	closed  atomic.Bool
}

// NewLoopbackClient starts numWorkers goroutines pulling from an internal
// work queue, the Go analogue of NovaCCCompactionThread's single
// condition-variable-guarded queue generalized to a small worker pool.
func NewLoopbackClient(store *stoc.Store, numWorkers int, log *slog.Logger) *LoopbackClient {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	c := &LoopbackClient{
		store:   store,
		log:     log.With("component", "rdma-loopback"),
		work:    make(chan func(), 256),
		pending: make(map[RequestID]*pending),
	}
	c.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer c.wg.Done()
			for fn := range c.work {
				fn()
			}
		}()
	}
	return c
}

func (c *LoopbackClient) newPending() (RequestID, *pending) {
	id := RequestID(c.nextID.Add(1))
	p := &pending{done: make(chan struct{})}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return id, p
}

func (c *LoopbackClient) complete(id RequestID, p *pending, res Result, buf []byte) {
	p.res = res
	p.buf = buf
	close(p.done)
}

func (c *LoopbackClient) submit(fn func()) {
	if c.closed.Load() {
		return
	}
	select {
	case c.work <- fn:
	default:
		// Queue full: run synchronously rather than drop the request.
		fn()
	}
}

func (c *LoopbackClient) InitiateReadBlock(ctx context.Context, dbname string, fileNumber uint64, offset int64, scratch []byte) RequestID {
	id, p := c.newPending()
	c.submit(func() {
		n, err := c.store.ReadBlock(dbname, stoc.KindSSTable, fileNumber, offset, scratch)
		c.complete(id, p, Result{N: n, Err: err}, nil)
	})
	return id
}

func (c *LoopbackClient) InitiateReadSSTable(ctx context.Context, dbname string, fileNumber uint64) RequestID {
	id, p := c.newPending()
	c.submit(func() {
		buf, err := c.store.ReadAll(dbname, stoc.KindSSTable, fileNumber)
		c.complete(id, p, Result{N: len(buf), Err: err}, buf)
	})
	return id
}

func (c *LoopbackClient) InitiateFlushSSTable(ctx context.Context, dbname string, fileNumber uint64, data []byte) RequestID {
	id, p := c.newPending()
	c.submit(func() {
		err := c.store.Create(dbname, stoc.KindSSTable, fileNumber)
		if err == nil {
			err = c.store.WriteAt(dbname, stoc.KindSSTable, fileNumber, 0, data)
		}
		if err == nil {
			err = c.store.Sync(dbname, stoc.KindSSTable, fileNumber)
		}
		if err != nil {
			err = fmt.Errorf("flush sstable: %w", err)
		}
		c.complete(id, p, Result{N: len(data), Err: err}, nil)
	})
	return id
}

func (c *LoopbackClient) InitiateRDMAWrite(ctx context.Context, dbname string, fileNumber uint64, data []byte) RequestID {
	id, p := c.newPending()
	c.submit(func() {
		err := c.store.PutBlob(dbname, stoc.KindManifest, fileNumber, data)
		if err != nil {
			err = fmt.Errorf("rdma write: %w", err)
		}
		c.complete(id, p, Result{N: len(data), Err: err}, nil)
	})
	return id
}

func (c *LoopbackClient) IsDone(id RequestID) (bool, Result) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return true, Result{Err: fmt.Errorf("rdma: unknown request %d: %w", id, common.ErrInvalidArgument)}
	}
	select {
	case <-p.done:
		return true, p.res
	default:
		return false, Result{}
	}
}

func (c *LoopbackClient) Wait(id RequestID) Result {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return Result{Err: fmt.Errorf("rdma: unknown request %d: %w", id, common.ErrInvalidArgument)}
	}
	<-p.done
	return p.res
}

func (c *LoopbackClient) ReadAllResult(id RequestID) ([]byte, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("rdma: unknown request %d: %w", id, common.ErrInvalidArgument)
	}
	<-p.done
	return p.buf, p.res.Err
}

func (c *LoopbackClient) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.work)
	c.wg.Wait()
}
