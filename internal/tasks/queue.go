// Package tasks runs uplink work on a fixed worker pool with per-device
// ordering: every job for one device hashes to the same worker, so a
// device's uplinks are processed in arrival order while the fleet fans
// out across workers. Duplicate deliveries are dropped by job ID.
package tasks

import (
	"hash/fnv"
	"log"
	"sync"
	"time"
)

// Config holds queue configuration
type Config struct {
	Workers  int
	Depth    int           // Per-worker channel depth
	DedupTTL time.Duration // How long a job ID blocks redelivery
}

// DefaultConfig returns default queue configuration
func DefaultConfig() Config {
	return Config{
		Workers:  4,
		Depth:    64,
		DedupTTL: time.Minute,
	}
}

type job struct {
	id  string
	run func()
}

// Queue is a keyed worker pool
type Queue struct {
	config  Config
	workers []chan job

	mu   sync.Mutex
	seen map[string]time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a queue
func New(config Config) *Queue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	q := &Queue{
		config:   config,
		workers:  make([]chan job, config.Workers),
		seen:     make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
	for i := range q.workers {
		q.workers[i] = make(chan job, config.Depth)
	}
	return q
}

// Start launches the workers
func (q *Queue) Start() {
	for i := range q.workers {
		q.wg.Add(1)
		go q.runWorker(i)
	}
	log.Printf("[tasks] Queue started with %d workers", q.config.Workers)
}

// Stop drains nothing; queued jobs are dropped on shutdown
func (q *Queue) Stop() {
	close(q.stopChan)
	q.wg.Wait()
}

// Submit enqueues a job. Jobs sharing a key run in submission order on
// one worker. A job ID already seen within the dedup TTL is dropped;
// the return value reports whether the job was accepted.
func (q *Queue) Submit(key, id string, run func()) bool {
	if id != "" && q.isDuplicate(key+"/"+id) {
		return false
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	worker := q.workers[h.Sum32()%uint32(len(q.workers))]

	select {
	case worker <- job{id: id, run: run}:
		return true
	default:
	}

	// Full lane: drop the oldest queued job so fresh uplinks keep flowing.
	select {
	case old := <-worker:
		log.Printf("[tasks] Worker queue full, dropped oldest job %s to admit %s for %s", old.id, id, key)
	default:
	}
	select {
	case worker <- job{id: id, run: run}:
		return true
	default:
		return false
	}
}

func (q *Queue) isDuplicate(full string) bool {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	// Opportunistic cleanup keeps the map bounded without a sweeper.
	for k, seen := range q.seen {
		if now.Sub(seen) > q.config.DedupTTL {
			delete(q.seen, k)
		}
	}

	if seen, ok := q.seen[full]; ok && now.Sub(seen) <= q.config.DedupTTL {
		return true
	}
	q.seen[full] = now
	return false
}

func (q *Queue) runWorker(i int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopChan:
			return
		case j := <-q.workers[i]:
			j.run()
		}
	}
}
