package filesync

import (
	"sync"

	"github.com/golang/glog"
)

// ConnectionState is the externally observable state of the client's single
// connection. Transitions are driven exclusively by the reconnect supervisor.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "DISCONNECTED"
	StateConnecting    ConnectionState = "CONNECTING"
	StateConnected     ConnectionState = "CONNECTED"
	StateReconnectWait ConnectionState = "RECONNECT_WAIT"
)

type StateListenerFunction func(state ConnectionState)

// stateEventBus broadcasts connection state transitions. A new listener is
// immediately invoked with the current state, then on every transition.
// Listener panics are suppressed so one listener cannot break another.
type stateEventBus struct {
	mutex     sync.Mutex
	state     ConnectionState
	listeners *callbackList[StateListenerFunction]
}

func newStateEventBus() *stateEventBus {
	return &stateEventBus{
		state:     StateDisconnected,
		listeners: newCallbackList[StateListenerFunction](),
	}
}

func (self *stateEventBus) get() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// returns an idempotent unsubscribe
func (self *stateEventBus) addListener(listener StateListenerFunction) func() {
	self.mutex.Lock()
	state := self.state
	listenerId := self.listeners.add(listener)
	self.mutex.Unlock()

	self.invoke(listener, state)

	unsubscribed := false
	var unsubscribeMutex sync.Mutex
	return func() {
		unsubscribeMutex.Lock()
		defer unsubscribeMutex.Unlock()
		if unsubscribed {
			return
		}
		unsubscribed = true
		self.listeners.remove(listenerId)
	}
}

// set transitions to `state` and notifies listeners synchronously, in
// registration order. Returns false when the state is unchanged, in which
// case no listener is invoked.
func (self *stateEventBus) set(state ConnectionState) bool {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return false
	}
	self.state = state
	self.mutex.Unlock()

	for _, listener := range self.listeners.get() {
		self.invoke(listener, state)
	}
	return true
}

func (self *stateEventBus) invoke(listener StateListenerFunction, state ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[state]listener error = %v\n", r)
		}
	}()
	listener(state)
}
