package filesync

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const channelBufferSize = 1

// inboundItem carries one decoded inbound frame, or the decode failure for a
// frame that could not be parsed. Decode failures do not tear the channel
// down; the dispatcher drains the correlated pending command instead.
type inboundItem struct {
	event *ServerEvent
	err   error
}

// channel owns one websocket connection. It serializes outbound frames
// through a single writer goroutine, emits decoded inbound events, and
// reports loss through `done`. It never reconnects on its own; the
// supervisor owns the connection lifecycle.
type channel struct {
	conn *websocket.Conn

	// for log correlation across reconnects
	connectionId ulid.ULID
	clientTag    string

	settings *ClientSettings

	sendChan chan []byte
	receive  chan *inboundItem

	done     chan struct{}
	doneOnce sync.Once
}

func newChannel(conn *websocket.Conn, clientTag string, settings *ClientSettings) *channel {
	self := &channel{
		conn:         conn,
		connectionId: ulid.Make(),
		clientTag:    clientTag,
		settings:     settings,
		sendChan:     make(chan []byte, channelBufferSize),
		receive:      make(chan *inboundItem, channelBufferSize),
		done:         make(chan struct{}),
	}
	go self.runSend()
	go self.runReceive()
	return self
}

// send hands a frame to the writer goroutine, preserving call order. Returns
// ErrConnectionClosed once the channel is down.
func (self *channel) send(frame []byte) error {
	select {
	case <-self.done:
		return ErrConnectionClosed
	case self.sendChan <- frame:
		return nil
	}
}

func (self *channel) runSend() {
	defer self.shutdown()

	for {
		select {
		case <-self.done:
			return
		case frame := <-self.sendChan:
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[cs]%s(%s)-> error = %s\n", self.clientTag, self.connectionId, err)
				return
			}
			glog.V(2).Infof("[cs]%s(%s)->\n", self.clientTag, self.connectionId)
		case <-time.After(self.settings.PingTimeout):
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *channel) runReceive() {
	defer func() {
		self.shutdown()
		close(self.receive)
	}()

	self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.conn.SetPongHandler(func(string) error {
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, frame, err := self.conn.ReadMessage()
		if err != nil {
			glog.Infof("[cr]%s(%s)<- error = %s\n", self.clientTag, self.connectionId, err)
			return
		}
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.TextMessage:
			event, err := DecodeEvent(frame)
			item := &inboundItem{
				event: event,
				err:   err,
			}
			select {
			case <-self.done:
				return
			case self.receive <- item:
				glog.V(2).Infof("[cr]%s(%s)<-\n", self.clientTag, self.connectionId)
			}
		default:
			glog.V(2).Infof("[cr]other=%d %s(%s)<-\n", messageType, self.clientTag, self.connectionId)
		}
	}
}

func (self *channel) shutdown() {
	self.doneOnce.Do(func() {
		close(self.done)
		self.conn.Close()
	})
}

// Close tears the connection down. Idempotent.
func (self *channel) Close() {
	self.shutdown()
}
