package broadcast

import (
	"encoding/json"
	"sync"
)

// Client is one connected subscriber. The hub only ever enqueues to it;
// the transport drains Send.
type Client struct {
	ID string

	holderID   string
	guestToken string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	trips  map[string]struct{}
}

// NewClient creates a client acting as holderID for its whole life. The
// transport only passes a verified identity.
func NewClient(id, holderID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:       id,
		holderID: holderID,
		send:     make(chan []byte, buffer),
		trips:    make(map[string]struct{}),
	}
}

// Send is the outbound queue
func (c *Client) Send() <-chan []byte {
	return c.send
}

// HolderID returns the identity used for lock ownership
func (c *Client) HolderID() string {
	return c.holderID
}

// resolveHolder checks the holder named by a request. A client can never act
// for anyone else.
func (c *Client) resolveHolder(requested string) (string, bool) {
	if requested == "" || requested == c.holderID {
		return c.holderID, true
	}
	return "", false
}

// enqueue queues a payload without blocking. It reports false when the
// client is closed or too slow to keep up.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) enqueueJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(payload)
}

// close shuts the outbound queue once
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Closed reports whether the client was closed
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) addTrip(tripID string) {
	c.mu.Lock()
	c.trips[tripID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeTrip(tripID string) {
	c.mu.Lock()
	delete(c.trips, tripID)
	c.mu.Unlock()
}

func (c *Client) tripIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.trips))
	for id := range c.trips {
		ids = append(ids, id)
	}
	return ids
}
