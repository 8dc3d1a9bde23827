package filesync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientSettings struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int

	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		InitialBackoff:     5 * time.Second,
		MaxBackoff:         300 * time.Second,
		BackoffMultiplier:  2,
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingTimeout:        5 * time.Second,
	}
}

// ClientAuth optionally authenticates the connection. When set, the dial
// request carries the jwt as a bearer token and the instance id in a header.
type ClientAuth struct {
	ByJwt      string
	InstanceId ulid.ULID
	AppVersion string
}

// ClientId extracts the client id claim without verifying the signature.
// Used only for log correlation; the server verifies the token.
func (self *ClientAuth) ClientId() (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if clientId, ok := claims["client_id"].(string); ok {
		return clientId, nil
	}
	return "", nil
}

// FileSystemClient is the public facade over the sync engine. It multiplexes
// open files, writes, and commits over one websocket to the file server and
// silently re-establishes all open handles when the connection drops and
// comes back.
type FileSystemClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *ClientSettings

	bus        *stateEventBus
	registry   *handleRegistry
	queue      *commandQueue
	supervisor *reconnectSupervisor
}

func NewFileSystemClient(url string) *FileSystemClient {
	return NewFileSystemClientWithSettings(context.Background(), url, nil, DefaultClientSettings())
}

func NewFileSystemClientWithSettings(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *ClientSettings,
) *FileSystemClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientTag := ulid.Make().String()
	if auth != nil {
		if clientId, err := auth.ClientId(); err == nil && clientId != "" {
			clientTag = clientId
		}
	}

	bus := newStateEventBus()
	registry := newHandleRegistry()
	queue := newCommandQueue()

	return &FileSystemClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		settings: settings,
		bus:      bus,
		registry: registry,
		queue:    queue,
		supervisor: newReconnectSupervisor(
			cancelCtx,
			url,
			auth,
			settings,
			clientTag,
			bus,
			registry,
			queue,
		),
	}
}

// submit connects as needed, then runs the command through the fifo queue.
// If the state is DISCONNECTED or RECONNECT_WAIT this triggers a connect
// attempt; if that attempt fails the command fails with the connect error.
func (self *FileSystemClient) submit(ctx context.Context, command Command) (*ServerEvent, error) {
	ch, err := self.supervisor.connect(ctx)
	if err != nil {
		return nil, err
	}
	return self.queue.submit(ctx, ch, command)
}

// OpenFile allocates a handle for `path` and starts opening it. It does not
// block; the server's response is awaited internally and surfaces on the
// returned file's event stream. Prefix the path with the committed sigil
// (see CommittedPath) to open the committed snapshot instead of the working
// copy.
func (self *FileSystemClient) OpenFile(path string) *File {
	record := self.registry.allocate(path)

	file := &File{
		client: self,
		record: record,
		opened: make(chan struct{}),
	}
	go file.runOpen()
	return file
}

// Commit commits all changes on the server repository. Resolves on
// `committed`, rejects on a server error.
func (self *FileSystemClient) Commit(ctx context.Context, message string) error {
	_, err := self.submit(ctx, NewCommitCommand(message))
	return err
}

// ConnectNow requests an immediate connect, bypassing any retry timer.
func (self *FileSystemClient) ConnectNow(ctx context.Context) error {
	return self.supervisor.connectNow(ctx)
}

// Disconnect tears the connection down and stops reconnecting, regardless of
// open handles.
func (self *FileSystemClient) Disconnect() {
	self.supervisor.disconnect()
}

func (self *FileSystemClient) GetState() ConnectionState {
	return self.bus.get()
}

// AddStateListener registers `listener` and immediately invokes it with the
// current state, then on every transition. Listeners run synchronously
// within the transition and must not call back into the client. The returned
// unsubscribe is idempotent.
func (self *FileSystemClient) AddStateListener(listener StateListenerFunction) func() {
	return self.bus.addListener(listener)
}

// Close disconnects and releases the client. The client cannot be used
// afterwards.
func (self *FileSystemClient) Close() {
	self.supervisor.disconnect()
	self.cancel()
}

// File is one opened view of a path. The handle is allocated client-side,
// unique for the lifetime of the client, and survives reconnects.
type File struct {
	client *FileSystemClient
	record *openFile

	// closed when the initial open settles
	opened  chan struct{}
	openErr error

	mutex         sync.Mutex
	eventsClaimed bool
	closed        bool
}

func (self *File) Path() string {
	return self.record.path
}

func (self *File) Handle() string {
	return self.record.handle
}

func (self *File) runOpen() {
	command := NewOpenFileCommand(self.record.path, self.record.handle)
	_, err := self.client.submit(self.client.ctx, command)
	if err != nil {
		// the dispatcher never delivered a first `file_opened`; the stream
		// can only fail
		glog.Infof("[f]open %s (%s) error = %s\n", self.record.handle, self.record.path, err)
		self.openErr = err
		self.client.registry.forget(self.record.handle)
		self.record.stream.fail(err)
	}
	close(self.opened)
}

// Events returns the file's lazy event stream. The first event is always
// `file_opened`, followed by any `file_updated` and `file_written` while the
// handle stays open. May be called at most once; a second call fails with
// ErrEventsConsumed.
func (self *File) Events() (*FileStream, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.eventsClaimed {
		return nil, ErrEventsConsumed
	}
	self.eventsClaimed = true
	return self.record.stream, nil
}

// WriteFile submits the client's last observed content and the desired new
// content. Resolves with the server's content, which may differ when the
// server merged concurrent changes. The same `file_written` event also lands
// on the event stream.
func (self *File) WriteFile(ctx context.Context, lastContent string, newContent string) (string, error) {
	self.mutex.Lock()
	closed := self.closed
	self.mutex.Unlock()
	if closed {
		return "", ErrFileClosed
	}

	// a write can only follow a successful open
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-self.opened:
	}
	if self.openErr != nil {
		return "", self.openErr
	}

	command := NewWriteFileCommand(self.record.handle, lastContent, newContent)
	event, err := self.client.submit(ctx, command)
	if err != nil {
		return "", err
	}
	return event.Content, nil
}

// Close releases the handle. Fire and forget: the stream is closed locally
// right away; once the open has settled the handle leaves the registry and
// the `close_file` command goes out, and any error from it is ignored.
// Idempotent.
func (self *File) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.mutex.Unlock()

	self.record.stream.Close()

	go func() {
		select {
		case <-self.client.ctx.Done():
			return
		case <-self.opened:
		}
		self.client.registry.forget(self.record.handle)
		if self.openErr != nil {
			// the server never acknowledged this handle
			return
		}
		command := NewCloseFileCommand(self.record.handle)
		if _, err := self.client.submit(self.client.ctx, command); err != nil {
			glog.V(2).Infof("[f]close %s (%s) error = %s\n", self.record.handle, self.record.path, err)
		}
	}()
}
