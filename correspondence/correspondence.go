// Package correspondence implements the stateful bidirectional conduit that
// one logical exchange between two peers rides on: a Correspondence ingests
// inbound frames from its owning Peer and exposes write/finish/error to
// local handler code plus a cooperative Next/All read API.
//
// The event-emitter/waiter duality described for the original design
// collapses here into a single buffered channel per Correspondence — the
// channel-based pub/sub idiom used throughout this codebase for the same
// purpose (see the peer's and server's event channels).
package correspondence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/elementbound/nlon/message"
)

// ReadContext is a fresh, empty map handed to read handlers on every Next
// call; handlers may stash values in it for handlers running later in the
// same chain to observe.
type ReadContext map[string]interface{}

// ReadHandler observes a chunk (or an End with a nil body) as it's
// delivered to a waiter. A non-nil return aborts the in-flight Next call
// with that error.
type ReadHandler func(body json.RawMessage, header message.MessageHeader, rc ReadContext) error

// End is returned by Next (wrapped via errors.Is) when a Finish frame
// arrives with no trailing body — the correspondence produced no final
// chunk, just a clean termination.
var End = errors.New("correspondence: end")

// Sentinel errors for local misuse and connection loss.
var (
	ErrUnwritable       = errors.New("correspondence: unwritable")
	ErrUnreadable       = errors.New("correspondence: unreadable")
	ErrPeerDisconnected = errors.New("correspondence: peer disconnected")
)

// CorrespondenceError reports a remote Error frame delivered to a waiter
// of Next/All. It carries the sender's MessageError verbatim.
type CorrespondenceError struct {
	Remote message.MessageError
}

func (e *CorrespondenceError) Error() string {
	return fmt.Sprintf("correspondence: remote error %s: %s", e.Remote.Type, e.Remote.Message)
}

// FrameWriter is the write path a Correspondence uses to put a frame on
// the wire. A Peer implements this with its own writer-serialization lock
// so concurrent correspondences never interleave partial frames.
type FrameWriter interface {
	WriteFrame(msg *message.Message) error
}

type eventKind int

const (
	eventData eventKind = iota
	eventEnd
	eventError
)

type readEvent struct {
	kind   eventKind
	body   json.RawMessage
	header message.MessageHeader
	err    message.MessageError
}

// Writable exposes only the write/terminate half of a Correspondence —
// the view handed to exception handlers so they can respond without
// touching the read side (spec's "writable view").
type Writable interface {
	Write(body interface{}) error
	Finish(body interface{}) error
	SendError(msgErr message.MessageError) error
	IsWritable() bool
	ID() string
}

// Readable exposes only the read half of a Correspondence.
type Readable interface {
	Next(ctx context.Context, handlers ...ReadHandler) (json.RawMessage, error)
	All(handlers ...ReadHandler) *Sequence
	IsReadable() bool
	ID() string
}

// Correspondence is the central runtime entity: one named, ordered
// exchange of messages identified by a correspondence id, bound to a
// single stream for writing.
type Correspondence struct {
	id     string
	writer FrameWriter

	mu       sync.Mutex
	header   message.MessageHeader
	readable bool
	writable bool

	events chan readEvent
	closed chan struct{}

	onTerminate func()
	terminateOnce sync.Once
}

// Option configures a Correspondence at construction.
type Option func(*Correspondence)

// WithBufferSize overrides the default per-correspondence chunk buffer
// (the bound the concurrency model allows implementations to pick; a full
// buffer stalls the Peer's ingestion loop, providing backpressure).
func WithBufferSize(n int) Option {
	return func(c *Correspondence) {
		c.events = make(chan readEvent, n)
	}
}

// WithOnTerminate registers a callback invoked exactly once, the instant
// both readable and writable become false. The owning Peer uses this to
// evict the correspondence from its map.
func WithOnTerminate(fn func()) Option {
	return func(c *Correspondence) { c.onTerminate = fn }
}

// WithWritable overrides the initial writable state. A Peer uses this
// when Send already wrote a terminating Finish/Error frame before the
// Correspondence value is handed back to the caller.
func WithWritable(w bool) Option {
	return func(c *Correspondence) { c.writable = w }
}

const defaultBufferSize = 16

// New creates a Correspondence bound to writer, with the given initial
// header; WithWritable overrides the initial writability. Inbound correspondences start readable and
// writable; purely local ones created via Peer.Correspond also start both
// true, ready for the caller to drive either half.
func New(id string, header message.MessageHeader, writer FrameWriter, opts ...Option) *Correspondence {
	c := &Correspondence{
		id:       id,
		writer:   writer,
		header:   header,
		readable: true,
		writable: true,
		events:   make(chan readEvent, defaultBufferSize),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the correspondence id.
func (c *Correspondence) ID() string { return c.id }

// Header returns the most recently observed header (updated on every
// inbound frame, including late authorization rotations).
func (c *Correspondence) Header() message.MessageHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

// IsReadable reports whether Next/All may still observe chunks.
func (c *Correspondence) IsReadable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readable
}

// IsWritable reports whether Write/Finish/SendError may still emit a
// frame.
func (c *Correspondence) IsWritable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writable
}

func (c *Correspondence) setHeader(h message.MessageHeader) {
	c.mu.Lock()
	c.header = h
	c.mu.Unlock()
}

// maybeTerminate evicts the correspondence once both halves are closed.
// Must be called with c.mu not held.
func (c *Correspondence) maybeTerminate() {
	c.mu.Lock()
	done := !c.readable && !c.writable
	c.mu.Unlock()
	if done && c.onTerminate != nil {
		c.terminateOnce.Do(c.onTerminate)
	}
}

// Ingest routes an inbound message into the read side. Called exclusively
// by the owning Peer's single ingestion loop.
func (c *Correspondence) Ingest(msg *message.Message) {
	c.setHeader(msg.Header)

	switch msg.EffectiveType(true) {
	case message.TypeData:
		c.publish(readEvent{kind: eventData, body: msg.Body, header: msg.Header})
	case message.TypeFinish:
		c.mu.Lock()
		c.readable = false
		c.mu.Unlock()
		if len(msg.Body) > 0 {
			c.publish(readEvent{kind: eventData, body: msg.Body, header: msg.Header})
		}
		c.publish(readEvent{kind: eventEnd, header: msg.Header})
		c.maybeTerminate()
	case message.TypeError:
		c.mu.Lock()
		c.readable = false
		c.mu.Unlock()
		remote := message.MessageError{}
		if msg.Error != nil {
			remote = *msg.Error
		}
		c.publish(readEvent{kind: eventError, header: msg.Header, err: remote})
		c.maybeTerminate()
	}
}

// publish delivers ev to the channel, or drops it silently once the
// correspondence has been force-closed (no waiter will ever see it).
func (c *Correspondence) publish(ev readEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// ForceClose marks both halves closed without emitting any frame, waking
// every pending Next with ErrPeerDisconnected. Invoked by the owning Peer
// on disconnect.
func (c *Correspondence) ForceClose() {
	c.mu.Lock()
	wasOpen := c.readable || c.writable
	c.readable = false
	c.writable = false
	c.mu.Unlock()
	if wasOpen {
		close(c.closed)
	}
	c.maybeTerminate()
}

// Write sends a Data frame carrying body.
func (c *Correspondence) Write(body interface{}) error {
	return c.send(message.TypeData, body, nil)
}

// Finish sends a Finish frame, optionally carrying a trailing body, and
// marks the correspondence unwritable. body may be nil for a bodyless
// finish.
func (c *Correspondence) Finish(body interface{}) error {
	return c.send(message.TypeFinish, body, nil)
}

// SendError sends an Error frame and marks the correspondence unwritable.
func (c *Correspondence) SendError(msgErr message.MessageError) error {
	return c.send(message.TypeError, nil, &msgErr)
}

func (c *Correspondence) send(t message.MessageType, body interface{}, msgErr *message.MessageError) error {
	c.mu.Lock()
	if !c.writable {
		c.mu.Unlock()
		return ErrUnwritable
	}
	if t == message.TypeFinish || t == message.TypeError {
		c.writable = false
	}
	header := c.header
	c.mu.Unlock()

	var msg *message.Message
	var err error
	switch t {
	case message.TypeData:
		msg, err = message.NewData(header, body)
	case message.TypeFinish:
		msg, err = message.NewFinish(header, body)
	case message.TypeError:
		msg = message.NewError(header, msgErr)
	}
	if err != nil {
		return fmt.Errorf("correspondence: build frame: %w", err)
	}

	if werr := c.writer.WriteFrame(msg); werr != nil {
		return fmt.Errorf("correspondence: write frame: %w", werr)
	}

	if t == message.TypeFinish || t == message.TypeError {
		c.maybeTerminate()
	}
	return nil
}

// Next cooperatively waits for the next chunk, running handlers in order
// before returning. It returns End (check with errors.Is) when a Finish
// arrives with no trailing body, a *CorrespondenceError when a remote
// Error frame arrives, ErrPeerDisconnected if the owning Peer disconnects
// while waiting, and the ctx error if ctx is cancelled first. Chunks and
// the End/error already buffered when the read side closes are still
// delivered; once they are drained, Next returns ErrUnreadable.
func (c *Correspondence) Next(ctx context.Context, handlers ...ReadHandler) (json.RawMessage, error) {
	if !c.IsReadable() {
		select {
		case ev := <-c.events:
			return c.deliver(ev, handlers)
		default:
			return nil, ErrUnreadable
		}
	}

	select {
	case ev, ok := <-c.events:
		if !ok {
			return nil, ErrPeerDisconnected
		}
		return c.deliver(ev, handlers)
	case <-c.closed:
		return nil, ErrPeerDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Correspondence) deliver(ev readEvent, handlers []ReadHandler) (json.RawMessage, error) {
	rc := make(ReadContext)
	for _, h := range handlers {
		if err := h(ev.body, ev.header, rc); err != nil {
			return nil, err
		}
	}

	switch ev.kind {
	case eventData:
		return ev.body, nil
	case eventEnd:
		return nil, End
	case eventError:
		return nil, &CorrespondenceError{Remote: ev.err}
	default:
		return nil, fmt.Errorf("correspondence: unknown event kind %d", ev.kind)
	}
}

// Sequence is the lazy, finite, restartable-by-construction iterator All
// returns: each call to Next drives the correspondence forward by exactly
// one chunk.
type Sequence struct {
	c        *Correspondence
	handlers []ReadHandler
	done     bool
}

// All returns a Sequence over the remaining chunks of the correspondence.
func (c *Correspondence) All(handlers ...ReadHandler) *Sequence {
	return &Sequence{c: c, handlers: handlers}
}

// Next advances the sequence by one chunk. It returns (nil, false, nil)
// once the correspondence has ended cleanly; any non-nil error aborts the
// sequence.
func (s *Sequence) Next(ctx context.Context) (json.RawMessage, bool, error) {
	if s.done {
		return nil, false, nil
	}
	body, err := s.c.Next(ctx, s.handlers...)
	if errors.Is(err, End) {
		s.done = true
		return nil, false, nil
	}
	if err != nil {
		s.done = true
		return nil, false, err
	}
	return body, true, nil
}
