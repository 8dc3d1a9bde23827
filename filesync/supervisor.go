package filesync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// reconnectSupervisor owns the connection state machine:
//
//	DISCONNECTED  --connect requested-->  CONNECTING
//	CONNECTING    --open succeeded-->     CONNECTED
//	CONNECTING    --open failed-->        DISCONNECTED or RECONNECT_WAIT
//	CONNECTED     --close/error-->        DISCONNECTED or RECONNECT_WAIT
//	RECONNECT_WAIT--timer fires-->        CONNECTING
//	RECONNECT_WAIT--connect requested-->  CONNECTING
//	any           --disconnect()-->       DISCONNECTED
//
// On loss the client waits and retries only while at least one file is open;
// an idle client goes straight to DISCONNECTED so that it does not reconnect
// forever. The retry delay doubles on each consecutive failed attempt, capped
// at the settings max, and resets on any successful connect.
//
// A single in-flight connect attempt is shared: every concurrent request to
// connect awaits the same attempt.
type reconnectSupervisor struct {
	ctx context.Context

	url      string
	auth     *ClientAuth
	settings *ClientSettings

	clientTag string

	bus      *stateEventBus
	registry *handleRegistry
	queue    *commandQueue

	mutex sync.Mutex
	// non-nil iff CONNECTED
	current *channel
	// non-nil iff CONNECTING
	attempt *connectAttempt
	// the next retry delay
	backoff time.Duration
	// non-nil iff RECONNECT_WAIT
	retryTimer *time.Timer
}

type connectAttempt struct {
	cancel context.CancelFunc
	done   chan struct{}
	ch     *channel
	err    error
}

func newReconnectSupervisor(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *ClientSettings,
	clientTag string,
	bus *stateEventBus,
	registry *handleRegistry,
	queue *commandQueue,
) *reconnectSupervisor {
	return &reconnectSupervisor{
		ctx:       ctx,
		url:       url,
		auth:      auth,
		settings:  settings,
		clientTag: clientTag,
		bus:       bus,
		registry:  registry,
		queue:     queue,
		backoff:   settings.InitialBackoff,
	}
}

// connect returns the live channel, starting or joining a connect attempt as
// needed. `ctx` bounds only this caller's wait; an abandoned wait does not
// abandon the shared attempt.
func (self *reconnectSupervisor) connect(ctx context.Context) (*channel, error) {
	self.mutex.Lock()
	if self.current != nil {
		ch := self.current
		self.mutex.Unlock()
		return ch, nil
	}
	attempt := self.attempt
	if attempt == nil {
		attempt = self.startAttemptLocked()
	}
	self.mutex.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-attempt.done:
		return attempt.ch, attempt.err
	}
}

// connectNow requests an immediate connect, bypassing any pending retry
// timer. Resolves when CONNECTED, rejects if the single attempt fails.
func (self *reconnectSupervisor) connectNow(ctx context.Context) error {
	_, err := self.connect(ctx)
	return err
}

// disconnect cancels timers, abandons any in-flight attempt, closes the
// channel, and transitions to DISCONNECTED regardless of open handles.
func (self *reconnectSupervisor) disconnect() {
	self.mutex.Lock()
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}
	attempt := self.attempt
	self.attempt = nil
	ch := self.current
	self.current = nil
	self.bus.set(StateDisconnected)
	self.mutex.Unlock()

	if attempt != nil {
		attempt.cancel()
	}
	if ch != nil {
		ch.Close()
	}
}

// caller must hold the mutex, with no current channel and no attempt
func (self *reconnectSupervisor) startAttemptLocked() *connectAttempt {
	if self.retryTimer != nil {
		self.retryTimer.Stop()
		self.retryTimer = nil
	}

	attemptCtx, cancel := context.WithCancel(self.ctx)
	attempt := &connectAttempt{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	self.attempt = attempt
	self.bus.set(StateConnecting)

	go self.runAttempt(attemptCtx, attempt)
	return attempt
}

func (self *reconnectSupervisor) runAttempt(attemptCtx context.Context, attempt *connectAttempt) {
	defer attempt.cancel()

	ch, err := self.dial(attemptCtx)

	self.mutex.Lock()
	if self.attempt != attempt {
		// disconnected while dialing
		self.mutex.Unlock()
		if ch != nil {
			ch.Close()
		}
		attempt.err = ErrConnectionClosed
		close(attempt.done)
		return
	}
	self.attempt = nil

	if err != nil {
		glog.Infof("[sup]%s connect error = %s\n", self.clientTag, err)
		self.lossTransitionLocked()
		self.mutex.Unlock()
		attempt.err = err
		close(attempt.done)
		return
	}

	self.current = ch
	self.backoff = self.settings.InitialBackoff
	self.bus.set(StateConnected)
	self.mutex.Unlock()

	go self.dispatch(ch)
	go self.reestablish(ch)

	attempt.ch = ch
	close(attempt.done)
}

func (self *reconnectSupervisor) dial(ctx context.Context) (*channel, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.auth != nil {
		header.Set("Authorization", "Bearer "+self.auth.ByJwt)
		header.Set("X-Filesync-Instance", self.auth.InstanceId.String())
		if self.auth.AppVersion != "" {
			header.Set("X-Filesync-Version", self.auth.AppVersion)
		}
	}

	conn, _, err := dialer.DialContext(ctx, self.url, header)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", self.url, err)
	}
	return newChannel(conn, self.clientTag, self.settings), nil
}

// dispatch is the single serialized task between the channel and the queue.
// It routes each inbound item exactly once: terminal events consume the head
// pending command, handle-directed events additionally reach the registry,
// and unsolicited updates bypass the queue entirely.
func (self *reconnectSupervisor) dispatch(ch *channel) {
	for item := range ch.receive {
		if item.err != nil {
			glog.Infof("[sup]%s decode error = %s\n", self.clientTag, item.err)
			self.queue.rejectHead(item.err)
			continue
		}

		event := item.event
		switch event.Type {
		case MessageTypeFileUpdated:
			self.registry.route(event)
		case MessageTypeFileOpened, MessageTypeFileWritten:
			// both a terminal response and a handle-directed event
			self.registry.route(event)
			self.queue.dispatchTerminal(event)
		default:
			self.queue.dispatchTerminal(event)
		}
	}

	self.queue.failAll(ErrConnectionClosed)
	self.handleLoss(ch)
}

func (self *reconnectSupervisor) handleLoss(ch *channel) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.current != ch {
		// already torn down by disconnect or replaced
		return
	}
	self.current = nil
	self.lossTransitionLocked()
}

// caller must hold the mutex
func (self *reconnectSupervisor) lossTransitionLocked() {
	if 0 < self.registry.openFileCount() {
		self.bus.set(StateReconnectWait)
		self.scheduleRetryLocked()
	} else {
		self.bus.set(StateDisconnected)
	}
}

// caller must hold the mutex
func (self *reconnectSupervisor) scheduleRetryLocked() {
	wait := self.backoff
	self.backoff = nextBackoff(wait, self.settings)

	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		self.retryFire(timer)
	})
	self.retryTimer = timer
	glog.V(2).Infof("[sup]%s retry in %s\n", self.clientTag, wait)
}

func nextBackoff(backoff time.Duration, settings *ClientSettings) time.Duration {
	next := backoff * time.Duration(settings.BackoffMultiplier)
	if settings.MaxBackoff < next {
		next = settings.MaxBackoff
	}
	return next
}

func (self *reconnectSupervisor) retryFire(timer *time.Timer) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.retryTimer != timer {
		// cancelled or superseded
		return
	}
	self.retryTimer = nil
	if self.current != nil || self.attempt != nil {
		return
	}
	self.startAttemptLocked()
}

// reestablish reissues `open_file` for every handle the server has already
// acknowledged, so the server rebuilds its view after a reconnect. The
// registry's normalization rules turn the reopen responses into at most one
// `file_updated` per handle, and nothing at all when the content is
// unchanged. A failed reopen is logged per handle; the connection stays up.
func (self *reconnectSupervisor) reestablish(ch *channel) {
	for _, file := range self.registry.reopenable() {
		command := NewOpenFileCommand(file.path, file.handle)
		if _, err := self.queue.submit(self.ctx, ch, command); err != nil {
			glog.Infof("[sup]%s reopen %s (%s) error = %s\n", self.clientTag, file.handle, file.path, err)
		}
	}
}
