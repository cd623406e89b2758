// Package wsrpc implements a small multiplexed RPC protocol over a
// websocket (or any frame-oriented transport).
//
// Frames are JSON objects. A "call" frame carries an id and expects a
// matching "return" or "error" frame from the peer; an "event" frame is
// fire-and-forget. Inbound calls are dispatched in arrival order to a
// table of published functions, with an optional fallback for unlisted
// targets.
//
// Outbound frames are marshalled when they are enqueued, so callers may
// reuse or mutate their argument slices as soon as Call or Post returns.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
)

// Message is one frame on the wire.
type Message struct {
	Type   string         `json:"type"`             // "call", "event", "return" or "error"
	ID     uint64         `json:"id,omitempty"`     // matches a return/error to its call
	Target string         `json:"target,omitempty"` // published function name
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Data   any            `json:"data,omitempty"`  // return value
	Error  string         `json:"error,omitempty"` // error text
}

const (
	typeCall   = "call"
	typeEvent  = "event"
	typeReturn = "return"
	typeError  = "error"
)

// Reply receives the outcome of a call posted with a reply callback.
type Reply func(result any, err error)

// Published is a function the peer may invoke by name.
type Published func(args []any, kwargs map[string]any) (any, error)

// Fallback handles inbound calls whose target is not published.
type Fallback func(target string, args []any, kwargs map[string]any) (any, error)

var (
	// ErrClosed is reported to pending calls when the connection dies.
	ErrClosed = errors.New("connection closed")

	// ErrUndefined is returned to the peer for an unknown target.
	ErrUndefined = errors.New("undefined function")
)

// frameConn is the byte-frame layer a Conn runs on.
type frameConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Conn is one end of an RPC connection. All methods are safe for
// concurrent use.
type Conn struct {
	frames frameConn
	send   chan []byte
	queue  chan Message

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]Reply
	published map[string]Published
	fallback  Fallback
	closedFn  func()
	errorFn   func(error)
	closed    bool
}

func newConn(frames frameConn) *Conn {
	c := &Conn{
		frames:  frames,
		send:    make(chan []byte, 64),
		queue:   make(chan Message, 64),
		pending: make(map[uint64]Reply),
	}

	go c.readPump()
	go c.writePump()
	go c.dispatchPump()

	return c
}

// Bind installs the published function table and fallback used for
// inbound calls. It replaces any previous binding.
func (c *Conn) Bind(published map[string]Published, fallback Fallback) {
	c.mu.Lock()
	c.published = published
	c.fallback = fallback
	c.mu.Unlock()
}

// OnClosed registers fn to run once, after the connection has died and
// all pending calls have been failed.
func (c *Conn) OnClosed(fn func()) {
	c.mu.Lock()
	c.closedFn = fn
	c.mu.Unlock()
}

// OnError registers fn to run when the connection dies with a transport
// error.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	c.errorFn = fn
	c.mu.Unlock()
}

// Call invokes target on the peer and waits for the result.
func (c *Conn) Call(ctx context.Context, target string, args []any, kwargs map[string]any) (any, error) {
	type outcome struct {
		result any
		err    error
	}

	ch := make(chan outcome, 1)
	c.Post(target, args, kwargs, func(result any, err error) {
		ch <- outcome{result, err}
	})

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Post enqueues an invocation of target on the peer without waiting.
// When reply is nil the frame is an event and the peer sends no answer;
// otherwise reply is invoked with the peer's result.
func (c *Conn) Post(target string, args []any, kwargs map[string]any, reply Reply) {
	m := Message{Target: target, Args: args, Kwargs: kwargs}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if reply != nil {
			reply(nil, ErrClosed)
		}
		return
	}
	if reply == nil {
		m.Type = typeEvent
	} else {
		c.nextID++
		m.Type = typeCall
		m.ID = c.nextID
		c.pending[m.ID] = reply
	}
	c.mu.Unlock()

	c.enqueue(m)
}

// Close tears the connection down. Pending calls fail with ErrClosed and
// the closed callback runs.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

// enqueue marshals m immediately, so the caller's argument slices are
// snapshotted, then hands the frame to the write pump.
func (c *Conn) enqueue(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Println("wsrpc: marshal error:", err)
		c.settle(m.ID, nil, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.send <- data
}

func (c *Conn) readPump() {
	defer close(c.queue)
	for {
		data, err := c.frames.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}

		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Println("wsrpc: bad frame:", err)
			continue
		}

		switch m.Type {
		case typeCall, typeEvent:
			// Handlers run on the dispatch pump, in arrival order.
			// Returns and errors settle here, so a handler may await
			// calls on this same connection.
			c.queue <- m
		case typeReturn:
			c.settle(m.ID, m.Data, nil)
		case typeError:
			c.settle(m.ID, nil, errors.New(m.Error))
		default:
			// ignore unknown types
		}
	}
}

func (c *Conn) dispatchPump() {
	for m := range c.queue {
		c.dispatch(m)
	}
}

func (c *Conn) writePump() {
	broken := false
	for data := range c.send {
		if broken {
			continue
		}
		if err := c.frames.WriteMessage(data); err != nil {
			broken = true
			go c.teardown(err)
		}
	}
	_ = c.frames.Close()
}

func (c *Conn) dispatch(m Message) {
	c.mu.Lock()
	fn, ok := c.published[m.Target]
	fb := c.fallback
	c.mu.Unlock()

	var result any
	var err error
	switch {
	case ok:
		result, err = fn(m.Args, m.Kwargs)
	case fb != nil:
		result, err = fb(m.Target, m.Args, m.Kwargs)
	default:
		err = ErrUndefined
	}

	if m.Type != typeCall {
		if err != nil {
			log.Printf("wsrpc: event %q failed: %v", m.Target, err)
		}
		return
	}

	if err != nil {
		c.enqueue(Message{Type: typeError, ID: m.ID, Error: err.Error()})
		return
	}
	c.enqueue(Message{Type: typeReturn, ID: m.ID, Data: result})
}

func (c *Conn) settle(id uint64, result any, err error) {
	c.mu.Lock()
	reply, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	reply(result, err)
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	closedFn := c.closedFn
	errorFn := c.errorFn
	close(c.send)
	c.mu.Unlock()

	_ = c.frames.Close()

	for _, reply := range pending {
		reply(nil, ErrClosed)
	}
	if cause != nil && errorFn != nil {
		errorFn(cause)
	}
	if closedFn != nil {
		closedFn()
	}
}
