package filesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// the single ordered channel carries no sequence numbers. correlation is
// strictly fifo: the n-th terminal event answers the n-th submitted command.
// unsolicited `file_updated` events never touch the queue.

type pendingResult struct {
	event *ServerEvent
	err   error
}

type pendingCommand struct {
	terminalType MessageType
	result       chan *pendingResult
}

func (self *pendingCommand) resolve(event *ServerEvent) {
	self.result <- &pendingResult{
		event: event,
	}
}

func (self *pendingCommand) reject(err error) {
	self.result <- &pendingResult{
		err: err,
	}
}

// frameSender is the write side of the channel as the queue sees it
type frameSender interface {
	send(frame []byte) error
}

type commandQueue struct {
	mutex   sync.Mutex
	pending []*pendingCommand
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		pending: []*pendingCommand{},
	}
}

// submit encodes the command, enqueues a pending entry, emits the frame on
// `ch`, and blocks until the correlated terminal event arrives or the
// connection is lost. The append and the frame write happen under one lock
// so that the fifo order of pendings always matches the frame order on the
// wire. A caller abandoning the wait via ctx leaves the pending entry in
// place; its slot is still consumed by the matching terminal event.
func (self *commandQueue) submit(ctx context.Context, ch frameSender, command Command) (*ServerEvent, error) {
	frame, err := EncodeCommand(command)
	if err != nil {
		return nil, err
	}

	pending := &pendingCommand{
		terminalType: command.TerminalType(),
		result:       make(chan *pendingResult, 1),
	}

	self.mutex.Lock()
	self.pending = append(self.pending, pending)
	if err := ch.send(frame); err != nil {
		// the frame never went out. drop the entry unless a concurrent
		// failAll already drained it.
		for i, p := range self.pending {
			if p == pending {
				self.pending = append(self.pending[:i], self.pending[i+1:]...)
				break
			}
		}
		self.mutex.Unlock()
		return nil, err
	}
	self.mutex.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-pending.result:
		return result.event, result.err
	}
}

// dispatchTerminal pairs one terminal event with the head pending command.
// An `error` event rejects the head with the server message; a terminal of
// the wrong kind rejects it as a protocol violation. Terminal events with no
// pending command are logged and dropped.
func (self *commandQueue) dispatchTerminal(event *ServerEvent) {
	pending := self.popHead()
	if pending == nil {
		glog.Infof("[q]drop uncorrelated %s\n", event.Type)
		return
	}

	switch {
	case event.Type == MessageTypeError:
		pending.reject(&RemoteError{
			Message: event.Message,
			Path:    event.Path,
		})
	case event.Type != pending.terminalType:
		pending.reject(fmt.Errorf("%w: got %s, want %s", ErrUnexpectedEvent, event.Type, pending.terminalType))
	default:
		pending.resolve(event)
	}
}

// rejectHead drains the head pending command with `err`, e.g. when its
// response frame failed to decode.
func (self *commandQueue) rejectHead(err error) {
	pending := self.popHead()
	if pending == nil {
		glog.Infof("[q]drop error with empty queue = %s\n", err)
		return
	}
	pending.reject(err)
}

// failAll rejects every pending command. Called once per connection loss.
func (self *commandQueue) failAll(err error) {
	self.mutex.Lock()
	pending := self.pending
	self.pending = []*pendingCommand{}
	self.mutex.Unlock()

	for _, p := range pending {
		p.reject(err)
	}
}

func (self *commandQueue) popHead() *pendingCommand {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.pending) == 0 {
		return nil
	}
	pending := self.pending[0]
	self.pending = self.pending[1:]
	return pending
}

func (self *commandQueue) pendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.pending)
}
