package sockethub

import (
	"sync"
	"time"

	"github.com/halcyon-labs/netkit/transport"
)

// ClientID uniquely identifies a connected client for the lifetime of a
// single Hub process run. IDs are never reused within a run.
type ClientID uint64

// MessageKind classifies a Message delivered to on_message handlers.
// Framing is opaque: one network read produces one Message. Text is the
// only kind the hub itself produces today, but the type exists so a
// caller-supplied framing layer (length-prefixed, line-delimited) can tag
// messages without changing the handler signature.
type MessageKind int

const (
	// Text is a single opaque chunk of bytes read off the wire.
	Text MessageKind = iota
)

// Message is what on_message handlers receive.
type Message struct {
	Kind   MessageKind
	Data   []byte
	Sender ClientID
}

// ClientRecord is the hub's bookkeeping for one connected client.
type ClientRecord struct {
	ID     ClientID
	Remote string

	transport transport.Transport

	mu            sync.RWMutex
	lastActivity  time.Time
	authenticated bool
	metadata      map[string]string
	groups        map[string]struct{}

	writeMu sync.Mutex
}

func newClientRecord(id ClientID, remote string, tr transport.Transport) *ClientRecord {
	return &ClientRecord{
		ID:           id,
		Remote:       remote,
		transport:    tr,
		lastActivity: time.Now(),
		metadata:     make(map[string]string),
		groups:       make(map[string]struct{}),
	}
}

func (c *ClientRecord) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent read or successful
// activity recorded for this client.
func (c *ClientRecord) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Authenticated reports whether this client has been marked authenticated
// by the application's authenticator callback.
func (c *ClientRecord) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *ClientRecord) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

func (c *ClientRecord) setMetadata(k, v string) {
	c.mu.Lock()
	c.metadata[k] = v
	c.mu.Unlock()
}

func (c *ClientRecord) getMetadata(k string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[k]
	return v, ok
}

func (c *ClientRecord) write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Write(p)
}

// Group is an explicit, named collection of clients. Groups are created on
// first reference and persist even after their last member leaves.
type Group struct {
	Name    string
	members map[ClientID]struct{}
}

func newGroup(name string) *Group {
	return &Group{Name: name, members: make(map[ClientID]struct{})}
}
