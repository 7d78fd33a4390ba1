package cache

import (
	"sync"

	"go.uber.org/atomic"
)

// largeZSetThreshold is the member count above which destroying a ZSET
// entry is off-loaded to the destruction worker pool instead of being
// freed synchronously on the event-loop goroutine.
const largeZSetThreshold = 10000

// destroyerQueueDepth bounds how many entries can be queued for
// asynchronous destruction before enqueue refuses more work and the
// caller must fall back to a synchronous free.
const destroyerQueueDepth = 4096

// destroyer is the only off-thread path in the engine: a small pool of
// goroutines draining a channel of already-detached entries. The caller
// (Cache) must unlink an entry from the hash map and TTL heap before
// handing it to enqueue — the pool never touches either structure,
// matching the design's dispose-atomic requirement.
//
// Modeled on the worker-pool-over-channel shape of Tempo's
// friggdb/pool.Pool (go.uber.org/atomic counters, one goroutine per
// worker blocked in a range over the work channel), generalized here from
// a query-result-returning pool to a fire-and-forget disposal pool.
type destroyer struct {
	jobs    chan *Entry
	wg      sync.WaitGroup
	queued  atomic.Int64
	started bool
}

func newDestroyer(workers int) *destroyer {
	if workers < 1 {
		workers = 1
	}

	d := &destroyer{jobs: make(chan *Entry, destroyerQueueDepth)}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.run()
	}

	d.started = true

	return d
}

func (d *destroyer) run() {
	defer d.wg.Done()

	for e := range d.jobs {
		d.queued.Dec()

		if e.Typ == TypeZSet && e.ZSet != nil {
			e.ZSet.Dispose()
		}
	}
}

// enqueue hands e to a worker for asynchronous disposal. It returns false
// if the queue is full, in which case the caller must free e itself.
func (d *destroyer) enqueue(e *Entry) bool {
	select {
	case d.jobs <- e:
		d.queued.Inc()
		return true
	default:
		return false
	}
}

// shutdown stops accepting work, waits for the queue to drain, and joins
// every worker goroutine.
func (d *destroyer) shutdown() {
	close(d.jobs)
	d.wg.Wait()
}
