// Package reactor implements the fixed I/O worker pool described in §4.E:
// every Connection is pinned to one worker at construction time via
// round-robin, so all reads, writes, and JSON-RPC parsing for that
// connection happen on a single goroutine, removing the need for
// per-connection read/write coordination. Grounded on the teacher's use of
// a single goroutine per connection (internal/ws/handler.go's client.run)
// generalized into a bounded pool.
package reactor

import "sync/atomic"

// Task is one unit of work submitted to a worker: typically "run this
// connection's read loop" or "deliver this inbound frame to it".
type Task func()

// Pool is a fixed set of N single-threaded workers, each draining its own
// task queue in submission order. Binding a Connection to one worker for
// its whole lifetime gives per-connection ordering without per-connection
// locks (§4.E, §5).
type Pool struct {
	workers []chan Task
	next    uint64
}

// New starts a Pool of n workers, each with a queue of the given depth.
func New(n int, queueDepth int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	p := &Pool{workers: make([]chan Task, n)}
	for i := range p.workers {
		ch := make(chan Task, queueDepth)
		p.workers[i] = ch
		go runWorker(ch)
	}
	return p
}

func runWorker(tasks <-chan Task) {
	for t := range tasks {
		t()
	}
}

// Assign picks the next worker in round-robin order and returns its index;
// callers store the index on the Connection so every subsequent Submit for
// that connection lands on the same worker.
func (p *Pool) Assign() int {
	n := atomic.AddUint64(&p.next, 1) - 1
	return int(n % uint64(len(p.workers)))
}

// Submit enqueues task on the worker at index. Blocks if that worker's
// queue is full, applying backpressure to the submitter rather than
// dropping work.
func (p *Pool) Submit(workerIndex int, task Task) {
	p.workers[workerIndex] <- task
}

// Size reports the configured worker count.
func (p *Pool) Size() int { return len(p.workers) }

// Stop closes every worker queue, letting in-flight tasks drain before
// each worker goroutine exits. Submit must not be called after Stop.
func (p *Pool) Stop() {
	for _, ch := range p.workers {
		close(ch)
	}
}
