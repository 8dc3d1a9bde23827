package filesync

import (
	"strconv"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// openFile is the registry record for one opened view of a path. Handles are
// allocated per client instance and survive reconnects; `lastContent` is the
// most recent content the server has reported for the handle via any event,
// and `hasBeenOpened` flips when the first `file_opened` response arrives.
type openFile struct {
	handle string
	path   string

	lastContent   string
	hasBeenOpened bool

	stream *FileStream
}

// handleRegistry allocates handles and routes handle-bearing events to the
// owning file's stream, applying the normalization rules for post-reconnect
// reopens: a `file_opened` for a handle that has already been opened is
// rewritten to `file_updated`, and a `file_updated` whose content matches the
// last seen content is dropped.
type handleRegistry struct {
	mutex      sync.Mutex
	nextHandle int64
	files      map[string]*openFile
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{
		nextHandle: 1,
		files:      map[string]*openFile{},
	}
}

func (self *handleRegistry) allocate(path string) *openFile {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handle := strconv.FormatInt(self.nextHandle, 10)
	self.nextHandle += 1

	file := &openFile{
		handle: handle,
		path:   path,
		stream: newFileStream(),
	}
	self.files[handle] = file
	return file
}

func (self *handleRegistry) get(handle string) *openFile {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.files[handle]
}

func (self *handleRegistry) forget(handle string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.files, handle)
}

func (self *handleRegistry) openFileCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.files)
}

// reopenable returns the files to re-establish after a reconnect, in handle
// order. Files still in their initial opening phase are excluded since the
// original opener is still awaiting its first response.
func (self *handleRegistry) reopenable() []*openFile {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	files := []*openFile{}
	for _, file := range self.files {
		if file.hasBeenOpened {
			files = append(files, file)
		}
	}
	slices.SortFunc(files, func(a *openFile, b *openFile) int {
		aHandle, _ := strconv.ParseInt(a.handle, 10, 64)
		bHandle, _ := strconv.ParseInt(b.handle, 10, 64)
		return int(aHandle - bHandle)
	})
	return files
}

func (self *handleRegistry) handles() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handles := maps.Keys(self.files)
	slices.Sort(handles)
	return handles
}

// route dispatches a handle-bearing server event to the referenced file's
// stream after normalization. Events for unknown handles are dropped.
func (self *handleRegistry) route(event *ServerEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	file := self.files[event.Handle]
	if file == nil {
		glog.V(2).Infof("[r]drop %s for unknown handle %s\n", event.Type, event.Handle)
		return
	}

	var eventType FileEventType
	switch event.Type {
	case MessageTypeFileOpened:
		if file.hasBeenOpened {
			// post-reconnect reopen
			eventType = FileEventUpdated
		} else {
			eventType = FileEventOpened
		}
	case MessageTypeFileUpdated:
		eventType = FileEventUpdated
	case MessageTypeFileWritten:
		eventType = FileEventWritten
	default:
		glog.V(2).Infof("[r]drop %s for handle %s\n", event.Type, event.Handle)
		return
	}

	if !file.hasBeenOpened && eventType != FileEventOpened {
		// the first event on a stream is always file_opened
		glog.V(2).Infof("[r]drop %s before open %s\n", event.Type, event.Handle)
		return
	}

	if eventType == FileEventUpdated && event.Content == file.lastContent {
		// the server's view of the content is unchanged
		glog.V(2).Infof("[r]suppress unchanged %s\n", event.Handle)
		return
	}

	file.lastContent = event.Content
	if eventType == FileEventOpened {
		file.hasBeenOpened = true
	}
	file.stream.enqueue(&FileEvent{
		Type:    eventType,
		Handle:  file.handle,
		Content: event.Content,
	})
}
