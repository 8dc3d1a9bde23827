package filesync

import (
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.InitialBackoff = 50 * time.Millisecond
	settings.MaxBackoff = 200 * time.Millisecond
	return settings
}

// testServer is an in-process file server double. Each accepted connection
// surfaces on `conns`; the test script reads decoded command frames and
// writes event frames back.
type testServer struct {
	t *testing.T

	httpServer *httptest.Server
	url        string

	conns chan *testServerConn
}

func newTestServer(t *testing.T) *testServer {
	self := &testServer{
		t:     t,
		conns: make(chan *testServerConn, 16),
	}

	upgrader := websocket.Upgrader{}
	self.httpServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tc := &testServerConn{
			t:        t,
			conn:     conn,
			commands: make(chan map[string]any, 64),
			closed:   make(chan struct{}),
		}
		self.conns <- tc
		go tc.runRead()
	}))
	self.url = "ws" + strings.TrimPrefix(self.httpServer.URL, "http")
	return self
}

func (self *testServer) nextConn() *testServerConn {
	self.t.Helper()
	select {
	case tc := <-self.conns:
		return tc
	case <-time.After(5 * time.Second):
		self.t.Fatal("timeout waiting for connection")
		return nil
	}
}

// expectNoConn asserts that no connection arrives within `wait`
func (self *testServer) expectNoConn(wait time.Duration) {
	self.t.Helper()
	select {
	case <-self.conns:
		self.t.Fatal("unexpected connection")
	case <-time.After(wait):
	}
}

func (self *testServer) Close() {
	self.httpServer.Close()
}

type testServerConn struct {
	t *testing.T

	conn       *websocket.Conn
	writeMutex sync.Mutex

	commands chan map[string]any
	closed   chan struct{}
}

func (self *testServerConn) runRead() {
	defer close(self.closed)
	for {
		var command map[string]any
		if err := self.conn.ReadJSON(&command); err != nil {
			return
		}
		self.commands <- command
	}
}

func (self *testServerConn) nextCommand() map[string]any {
	self.t.Helper()
	select {
	case command := <-self.commands:
		return command
	case <-time.After(5 * time.Second):
		self.t.Fatal("timeout waiting for command")
		return nil
	}
}

// expectNoCommand asserts that no command arrives within `wait`
func (self *testServerConn) expectNoCommand(wait time.Duration) {
	self.t.Helper()
	select {
	case command := <-self.commands:
		self.t.Fatalf("unexpected command %v", command)
	case <-time.After(wait):
	}
}

func (self *testServerConn) send(event map[string]any) {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	if err := self.conn.WriteJSON(event); err != nil {
		self.t.Logf("test server write error = %s", err)
	}
}

func (self *testServerConn) sendRaw(frame string) {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	if err := self.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		self.t.Logf("test server write error = %s", err)
	}
}

func (self *testServerConn) close() {
	self.conn.Close()
}
