package filesync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRegistryAllocate(t *testing.T) {
	registry := newHandleRegistry()

	a := registry.allocate("a.md")
	b := registry.allocate("b.md")
	assert.Equal(t, a.handle, "1")
	assert.Equal(t, b.handle, "2")
	assert.Equal(t, registry.openFileCount(), 2)
	assert.Equal(t, registry.handles(), []string{"1", "2"})

	registry.forget("1")
	assert.Equal(t, registry.openFileCount(), 1)
	assert.Equal(t, registry.get("1"), nil)
	assert.NotEqual(t, registry.get("2"), nil)

	// handles are never reused for the lifetime of the registry
	c := registry.allocate("c.md")
	assert.Equal(t, c.handle, "3")
}

func TestRegistryRouteFirstOpen(t *testing.T) {
	ctx := context.Background()

	registry := newHandleRegistry()
	file := registry.allocate("a.md")
	assert.Equal(t, file.hasBeenOpened, false)

	registry.route(&ServerEvent{
		Type:    MessageTypeFileOpened,
		Handle:  file.handle,
		Content: "v1",
	})

	assert.Equal(t, file.hasBeenOpened, true)
	assert.Equal(t, file.lastContent, "v1")

	event, err := file.stream.Next(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, FileEventOpened)
	assert.Equal(t, event.Content, "v1")
}

func TestRegistryRouteReopenUnchanged(t *testing.T) {
	registry := newHandleRegistry()
	file := registry.allocate("a.md")
	file.hasBeenOpened = true
	file.lastContent = "v1"

	// post-reconnect reopen with the same content produces no event
	registry.route(&ServerEvent{
		Type:    MessageTypeFileOpened,
		Handle:  file.handle,
		Content: "v1",
	})

	file.stream.Close()
	_, err := file.stream.Next(context.Background())
	assert.Equal(t, err, ErrStreamClosed)
}

func TestRegistryRouteReopenChanged(t *testing.T) {
	ctx := context.Background()

	registry := newHandleRegistry()
	file := registry.allocate("a.md")
	file.hasBeenOpened = true
	file.lastContent = "v1"

	// post-reconnect reopen with changed content is rewritten to an update
	registry.route(&ServerEvent{
		Type:    MessageTypeFileOpened,
		Handle:  file.handle,
		Content: "v2",
	})

	event, err := file.stream.Next(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, FileEventUpdated)
	assert.Equal(t, event.Content, "v2")
	assert.Equal(t, file.lastContent, "v2")
}

func TestRegistryRouteUpdateSuppressed(t *testing.T) {
	registry := newHandleRegistry()
	file := registry.allocate("a.md")
	file.hasBeenOpened = true
	file.lastContent = "v1"

	registry.route(&ServerEvent{
		Type:    MessageTypeFileUpdated,
		Handle:  file.handle,
		Content: "v1",
	})

	file.stream.Close()
	_, err := file.stream.Next(context.Background())
	assert.Equal(t, err, ErrStreamClosed)
}

func TestRegistryRouteWrittenAlwaysDelivered(t *testing.T) {
	ctx := context.Background()

	registry := newHandleRegistry()
	file := registry.allocate("a.md")
	file.hasBeenOpened = true
	file.lastContent = "v1"

	// a write echo is delivered even when the content matches
	registry.route(&ServerEvent{
		Type:    MessageTypeFileWritten,
		Handle:  file.handle,
		Content: "v1",
	})

	event, err := file.stream.Next(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Type, FileEventWritten)
	assert.Equal(t, event.Content, "v1")
}

func TestRegistryRouteUnknownHandle(t *testing.T) {
	registry := newHandleRegistry()

	// dropped silently
	registry.route(&ServerEvent{
		Type:    MessageTypeFileUpdated,
		Handle:  "99",
		Content: "x",
	})
}

func TestRegistryReopenable(t *testing.T) {
	registry := newHandleRegistry()
	a := registry.allocate("a.md")
	b := registry.allocate("b.md")
	c := registry.allocate("c.md")

	a.hasBeenOpened = true
	c.hasBeenOpened = true
	// b is still in its initial opening phase

	reopenable := registry.reopenable()
	assert.Equal(t, len(reopenable), 2)
	assert.Equal(t, reopenable[0].handle, a.handle)
	assert.Equal(t, reopenable[1].handle, c.handle)
	_ = b
}
