package filesync

import (
	"context"
	"sync"
)

// FileStream is the lazy per-handle event sequence. Events are buffered
// without bound and handed out one at a time; `Next` suspends while the
// buffer is empty and the stream is open. Closing wakes any suspended
// consumer, which then drains the buffer and terminates.
//
// The buffer invariant: when the buffer is non-empty no consumer is
// suspended; when a consumer is suspended the buffer is empty.
type FileStream struct {
	mutex sync.Mutex
	// ordered pending events
	buffer []*FileEvent
	// one-shot waker, non-nil only while a consumer is suspended
	wake   chan struct{}
	closed bool
	// terminal error delivered after the buffer drains, e.g. when the
	// initial open is interrupted by connection loss
	err error
}

func newFileStream() *FileStream {
	return &FileStream{}
}

// Next returns the next event in order. It blocks while the stream is open
// and the buffer is empty. After the stream is closed and the buffer has
// drained it returns ErrStreamClosed, or the failure that closed the stream.
func (self *FileStream) Next(ctx context.Context) (*FileEvent, error) {
	for {
		self.mutex.Lock()
		if 0 < len(self.buffer) {
			event := self.buffer[0]
			self.buffer = self.buffer[1:]
			self.mutex.Unlock()
			return event, nil
		}
		if self.closed {
			err := self.err
			self.mutex.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, ErrStreamClosed
		}
		wake := make(chan struct{})
		self.wake = wake
		self.mutex.Unlock()

		select {
		case <-ctx.Done():
			self.mutex.Lock()
			if self.wake == wake {
				self.wake = nil
			}
			self.mutex.Unlock()
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// enqueue appends an event and wakes a suspended consumer. Events arriving
// after close are dropped.
func (self *FileStream) enqueue(event *FileEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	self.buffer = append(self.buffer, event)
	if self.wake != nil {
		close(self.wake)
		self.wake = nil
	}
}

// Close marks the stream closed and wakes any suspended consumer. Events
// already buffered remain readable. Idempotent.
func (self *FileStream) Close() {
	self.close(nil)
}

// fail closes the stream with a terminal error
func (self *FileStream) fail(err error) {
	self.close(err)
}

func (self *FileStream) close(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	self.err = err
	if self.wake != nil {
		close(self.wake)
		self.wake = nil
	}
}
