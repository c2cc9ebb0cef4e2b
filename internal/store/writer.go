package store

import (
	"context"
	"sync"

	"github.com/lucasew/picturecache/internal/db"
	"github.com/lucasew/picturecache/internal/errutil"
)

type opKind int

const (
	opUpsert opKind = iota
	opDelete
	opClear
	opBarrier
)

type writeOp struct {
	kind opKind
	row  db.Row
	key  string
	done chan struct{}
}

// writeBehind applies queued mutations to the backend in submission order.
// Enqueue never blocks on I/O.
type writeBehind struct {
	backend Backend

	mu      sync.Mutex
	pending []writeOp
	closed  bool

	wake    chan struct{}
	stopped chan struct{}
}

func newWriteBehind(backend Backend) *writeBehind {
	w := &writeBehind{
		backend: backend,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writeBehind) enqueue(op writeOp) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.pending = append(w.pending, op)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *writeBehind) flush() {
	done := make(chan struct{})
	if !w.enqueue(writeOp{kind: opBarrier, done: done}) {
		return
	}
	<-done
}

// close applies what is pending and stops the writer. It is idempotent.
func (w *writeBehind) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.stopped
}

func (w *writeBehind) run() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		for len(w.pending) == 0 && !w.closed {
			w.mu.Unlock()
			<-w.wake
			w.mu.Lock()
		}
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.mu.Unlock()

		for _, op := range batch {
			w.apply(op)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (w *writeBehind) apply(op writeOp) {
	ctx := context.Background()
	switch op.kind {
	case opUpsert:
		errutil.ReportError(w.backend.Upsert(ctx, op.row), "Failed to persist picture", "key", op.row.Key)
	case opDelete:
		errutil.ReportError(w.backend.Delete(ctx, op.key), "Failed to delete persisted picture", "key", op.key)
	case opClear:
		errutil.ReportError(w.backend.Clear(ctx), "Failed to clear persisted pictures")
	case opBarrier:
		close(op.done)
	}
}
