package database

import (
	"log"
	"sync"
	"time"
)

// WriteBuffer batches message inserts so a burst of chat traffic becomes a
// handful of transactions instead of one fsync per message. Appends are
// cheap (mutex plus slice append); a background flusher drains the buffer
// on an interval, and readers force a flush before querying so history is
// never missing just-sent messages.
type WriteBuffer struct {
	db       *DB
	interval time.Duration

	mu      sync.Mutex
	pending []*Message

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWriteBuffer starts a buffer flushing every interval.
func NewWriteBuffer(db *DB, interval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:       db,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go wb.flushLoop()
	return wb
}

// Append queues one row for the next flush.
func (wb *WriteBuffer) Append(m *Message) {
	wb.mu.Lock()
	wb.pending = append(wb.pending, m)
	wb.mu.Unlock()
}

// Flush writes everything queued so far. Safe to call from any goroutine.
func (wb *WriteBuffer) Flush() {
	wb.mu.Lock()
	batch := wb.pending
	wb.pending = nil
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := wb.db.insertMessages(batch); err != nil {
		// A failed batch is dropped, not retried.
		log.Printf("write buffer: failed to flush %d messages: %v", len(batch), err)
	}
}

// Pending reports how many rows await the next flush.
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// Stop flushes once more and ends the background loop.
func (wb *WriteBuffer) Stop() {
	wb.stopOnce.Do(func() {
		close(wb.stop)
		<-wb.done
		wb.Flush()
	})
}

func (wb *WriteBuffer) flushLoop() {
	defer close(wb.done)
	ticker := time.NewTicker(wb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.stop:
			return
		}
	}
}
