package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
)

const (
	DefaultBuffer       = 256
	DefaultWriteTimeout = 5 * time.Second
)

// AsyncLogger queues entries and writes them to a Recorder from a single
// goroutine, so request handlers never wait on the database. Entries that do
// not fit in the queue are dropped and counted.
type AsyncLogger struct {
	rec     Recorder
	log     *logging.Logger
	queue   chan Entry
	timeout time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewAsyncLogger returns a logger writing to rec. Non-positive buffer and
// timeout fall back to the defaults.
func NewAsyncLogger(rec Recorder, log *logging.Logger, buffer int, timeout time.Duration) *AsyncLogger {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if log == nil {
		log = logging.NewDiscard()
	}
	return &AsyncLogger{
		rec:     rec,
		log:     log,
		queue:   make(chan Entry, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine. Calling it more than once is a no-op.
func (l *AsyncLogger) Start() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for e := range l.queue {
		l.write(e)
	}
}

func (l *AsyncLogger) write(e Entry) {
	if l.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.rec.Record(ctx, e); err != nil {
		l.log.WithError(err).WithField("sha256", e.Digest).Warn("failed to record extraction")
	}
}

// Log enqueues e and reports whether it was accepted.
func (l *AsyncLogger) Log(e Entry) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	select {
	case l.queue <- e:
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (l *AsyncLogger) Dropped() int64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Recent reads through to the recorder.
func (l *AsyncLogger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l == nil || l.rec == nil {
		return []Entry{}, nil
	}
	return l.rec.Recent(ctx, limit)
}

// Stop closes the queue and waits for pending entries to be written or for
// ctx to expire.
func (l *AsyncLogger) Stop(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	started := l.started
	close(l.queue)
	l.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
