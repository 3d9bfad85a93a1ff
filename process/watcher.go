package process

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/chhtz/tools-orocosrb/errors"
)

// DefaultPollInterval is how often the watcher checks its children
const DefaultPollInterval = 100 * time.Millisecond

// DefaultQueueSize is the capacity of the death notification ring
const DefaultQueueSize = 64

// ErrWatcherUnsupported is returned by Start where children cannot be reaped
var ErrWatcherUnsupported = errors.New("child watcher not supported on this platform")

// Death is a child termination observed by the watcher
type Death struct {
	PID    int
	Status ExitStatus
}

// Watcher reaps watched child processes. A poll goroutine checks every
// watched pid without blocking and offers each termination to a ring
// buffer; a consumer goroutine drains the ring and hands the deaths to the
// sink. The poll side never blocks: a termination that does not fit the ring
// is kept and offered again on the next tick.
type Watcher struct {
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pids    map[int]struct{}
	backlog []Death

	ring    *queue.RingBuffer
	notify  chan struct{}
	stop    chan struct{}
	polled  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWatcher creates a stopped watcher
func NewWatcher(interval time.Duration, queueSize uint64, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		interval: interval,
		logger:   logger.With("component", "child-watcher"),
		pids:     make(map[int]struct{}),
		ring:     queue.NewRingBuffer(queueSize),
	}
}

// Watch adds pid to the watched set
func (w *Watcher) Watch(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pids[pid] = struct{}{}
}

// Unwatch removes pid from the watched set
func (w *Watcher) Unwatch(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pids, pid)
}

// Watched returns how many pids are being watched
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pids)
}

// Running reports whether the watcher goroutines are active
func (w *Watcher) Running() bool { return w.running.Load() }

// Start launches the poll and consumer goroutines. sink is called from the
// consumer goroutine, one death at a time.
func (w *Watcher) Start(sink func(Death)) error {
	if !reapSupported {
		return errors.WrapFatal(ErrWatcherUnsupported, "Watcher", "Start", "start child reaping")
	}
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	if w.ring.IsDisposed() {
		w.ring = queue.NewRingBuffer(w.ring.Cap())
	}
	w.stop = make(chan struct{})
	w.polled = make(chan struct{})
	w.notify = make(chan struct{}, 1)

	w.wg.Add(2)
	go w.poll()
	go w.consume(sink)
	w.logger.Debug("Child watcher started", "interval", w.interval)
	return nil
}

// Stop ends both goroutines. Deaths already queued are delivered first.
func (w *Watcher) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stop)
	w.wg.Wait()
	w.ring.Dispose()
	w.logger.Debug("Child watcher stopped")
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	defer close(w.polled)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.reapAll()
		}
	}
}

// reapAll checks every watched pid once
func (w *Watcher) reapAll() {
	w.mu.Lock()
	pending := w.backlog
	w.backlog = nil
	for pid := range w.pids {
		death, done := reap(pid)
		if !done {
			continue
		}
		delete(w.pids, pid)
		if death != nil {
			pending = append(pending, *death)
		}
	}
	w.mu.Unlock()

	var kept []Death
	for _, d := range pending {
		ok, err := w.ring.Offer(d)
		if err != nil {
			return // disposed
		}
		if !ok {
			kept = append(kept, d)
		}
	}
	if len(kept) > 0 {
		w.logger.Warn("Death queue full, deferring notifications", "pending", len(kept))
		w.mu.Lock()
		w.backlog = append(kept, w.backlog...)
		w.mu.Unlock()
	}
	if len(pending) > len(kept) {
		w.signal()
	}
}

func (w *Watcher) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// consume waits for a notification then drains the ring. RingBuffer.Get
// spins while the ring is empty, so it is only called when Len is non-zero.
func (w *Watcher) consume(sink func(Death)) {
	defer w.wg.Done()
	for {
		select {
		case <-w.notify:
			w.drain(sink)
		case <-w.polled:
			w.drain(sink)
			return
		}
	}
}

func (w *Watcher) drain(sink func(Death)) {
	for w.ring.Len() > 0 {
		item, err := w.ring.Get()
		if err != nil {
			return
		}
		if d, ok := item.(Death); ok {
			sink(d)
		}
	}
}
