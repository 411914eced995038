// Package server hosts any number of Peers, dispatches newly observed
// correspondences to subject handlers, and runs an exception pipeline
// when a handler fails — the subject-routing layer grounded on a
// broker's method-dispatch switch, generalized from JSON-RPC methods to
// long-lived correspondences.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elementbound/nlon/correspondence"
	"github.com/elementbound/nlon/message"
	"github.com/elementbound/nlon/peer"
	"github.com/elementbound/nlon/transport"
	"github.com/elementbound/nlon/wirelog"
)

const eventBuffer = 64

// Handler processes a new correspondence, holding both its read and write
// halves. The contract: a handler MUST leave the correspondence
// unwritable (via Finish or SendError) by the time it returns; the Server
// reports UnfinishedCorrespondenceError otherwise.
type Handler func(ctx context.Context, corr *correspondence.Correspondence) error

// ExceptionHandler responds to a handler failure through a write-only
// view of the correspondence it's cleaning up after.
type ExceptionHandler func(ctx context.Context, w correspondence.Writable, exc error) error

// HandlerError lets handler code drive a specific wire-level error kind
// and message through the default exception handler.
type HandlerError struct {
	Kind    string
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// UnfinishedCorrespondenceError is emitted on the Server (not the
// correspondence) when a handler returns while the correspondence is
// still writable.
type UnfinishedCorrespondenceError struct {
	CorrespondenceID string
	Subject          string
}

func (e *UnfinishedCorrespondenceError) Error() string {
	return fmt.Sprintf("server: correspondence %s (subject %q) returned without being finished",
		e.CorrespondenceID, e.Subject)
}

// Server hosts Peers and routes their inbound correspondences by subject.
type Server struct {
	logger         zerolog.Logger
	metrics        *Metrics
	corrBufferSize int
	handlerTimeout time.Duration

	mu                sync.RWMutex
	handlers          map[string]Handler
	defaultHandler    Handler
	exceptionHandlers []ExceptionHandler

	peersMu sync.Mutex
	peers   map[transport.Stream]*peer.Peer

	connects    chan *peer.Peer
	disconnects chan *peer.Peer
	errs        chan error
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger injects the structured log sink, propagated to every Peer
// the Server connects.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics installs a pre-built Metrics collector (use this to share
// one registry across multiple Servers); the default is a fresh,
// unregistered collector per Server.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCorrespondenceBufferSize overrides the per-correspondence chunk
// buffer on every Peer this Server connects (peer.WithCorrespondenceBufferSize).
// Zero (the default) leaves each Correspondence's own default in place.
func WithCorrespondenceBufferSize(n int) Option {
	return func(s *Server) { s.corrBufferSize = n }
}

// WithHandlerTimeout bounds how long a subject Handler may run before its
// context is cancelled. Zero (the default) means no timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(s *Server) { s.handlerTimeout = d }
}

// New builds a Server with the built-in unknown-subject handler and
// default exception handler installed.
func New(opts ...Option) *Server {
	s := &Server{
		logger:         wirelog.Nop(),
		handlers:       make(map[string]Handler),
		defaultHandler: unknownSubjectHandler,
		peers:          make(map[transport.Stream]*peer.Peer),
		connects:       make(chan *peer.Peer, eventBuffer),
		disconnects:    make(chan *peer.Peer, eventBuffer),
		errs:           make(chan error, eventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

// Handle registers handler as the single handler for subject, replacing
// (and logging a warning about) any prior registration.
func (s *Server) Handle(subject string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[subject]; exists {
		s.logger.Warn().Str("subject", subject).Msg("replacing existing subject handler")
	}
	s.handlers[subject] = handler
}

// DefaultHandler replaces the built-in unknown-subject responder.
func (s *Server) DefaultHandler(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultHandler = handler
}

// HandleException prepends handlers to the exception chain, so they run
// before any previously registered exception handler. The built-in
// default exception handler always runs last and cannot be displaced.
func (s *Server) HandleException(handlers ...ExceptionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptionHandlers = append(append([]ExceptionHandler{}, handlers...), s.exceptionHandlers...)
}

// Configure calls fn(s), a convenience hook for bundling related
// Handle/HandleException registrations.
func (s *Server) Configure(fn func(*Server)) {
	fn(s)
}

// Connect constructs a Peer over stream, wires its events into the
// Server's dispatch loop, and returns it.
func (s *Server) Connect(stream transport.Stream) *peer.Peer {
	opts := []peer.Option{peer.WithLogger(s.logger), peer.WithMetrics(s.metrics)}
	if s.corrBufferSize > 0 {
		opts = append(opts, peer.WithCorrespondenceBufferSize(s.corrBufferSize))
	}
	p := peer.New(stream, opts...)

	s.peersMu.Lock()
	s.peers[stream] = p
	s.peersMu.Unlock()

	s.metrics.IncPeers()
	s.emitConnect(p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		s.supervise(ctx, stream, p)
	}()

	return p
}

// Disconnect invokes Disconnect on the Peer bound to stream, if any.
func (s *Server) Disconnect(stream transport.Stream) {
	s.peersMu.Lock()
	p, ok := s.peers[stream]
	s.peersMu.Unlock()
	if ok {
		p.Disconnect()
	}
}

// Peers returns a snapshot of currently connected peers.
func (s *Server) Peers() []*peer.Peer {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	out := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Connections yields each Peer as Connect binds it.
func (s *Server) Connections() <-chan *peer.Peer { return s.connects }

// Disconnections yields each Peer once it has fully disconnected.
func (s *Server) Disconnections() <-chan *peer.Peer { return s.disconnects }

// Errors yields protocol and dispatch errors observed across every
// connected Peer: framing/streaming failures forwarded from Peers, and
// UnfinishedCorrespondenceError from dispatch.
func (s *Server) Errors() <-chan error { return s.errs }

func (s *Server) supervise(ctx context.Context, stream transport.Stream, p *peer.Peer) {
	inbound := p.Inbound()
	perrs := p.Errors()

	for {
		select {
		case corr, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			s.metrics.IncCorrespondences()
			go s.dispatchCorrespondence(ctx, corr)
		case err, ok := <-perrs:
			if !ok {
				perrs = nil
				continue
			}
			s.emitError(err)
		case <-p.Done():
			s.finalizeDisconnect(stream, p)
			return
		}
	}
}

func (s *Server) finalizeDisconnect(stream transport.Stream, p *peer.Peer) {
	s.peersMu.Lock()
	delete(s.peers, stream)
	s.peersMu.Unlock()

	s.metrics.DecPeers()
	s.emitDisconnect(p)
}

func (s *Server) resolveHandler(subject string) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[subject]; ok {
		return h
	}
	return s.defaultHandler
}

func (s *Server) exceptionChain() []ExceptionHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := make([]ExceptionHandler, len(s.exceptionHandlers)+1)
	copy(chain, s.exceptionHandlers)
	chain[len(chain)-1] = defaultExceptionHandler
	return chain
}

func (s *Server) dispatchCorrespondence(ctx context.Context, corr *correspondence.Correspondence) {
	header := corr.Header()
	handler := s.resolveHandler(header.Subject)

	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	if err := s.invoke(ctx, handler, corr); err != nil {
		s.runExceptionPipeline(ctx, corr, err)
	}

	if corr.IsWritable() {
		s.metrics.IncUnfinished()
		s.emitError(&UnfinishedCorrespondenceError{CorrespondenceID: corr.ID(), Subject: header.Subject})
	}
}

func (s *Server) runExceptionPipeline(ctx context.Context, corr *correspondence.Correspondence, exc error) {
	s.metrics.IncException()

	for _, h := range s.exceptionChain() {
		if !corr.IsWritable() {
			return
		}
		if err := s.invokeException(ctx, h, corr, exc); err != nil {
			s.logger.Error().Err(err).Msg("exception handler failed")
			_ = corr.SendError(message.MessageError{Type: "GenericError", Message: "Failed processing correspondence"})
			return
		}
	}
}

// invoke runs handler, converting a panic into an error so one
// misbehaving handler's goroutine cannot crash the whole process and
// every other correspondence with it.
func (s *Server) invoke(ctx context.Context, handler Handler, corr *correspondence.Correspondence) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server: handler panicked: %v", r)
		}
	}()
	return handler(ctx, corr)
}

func (s *Server) invokeException(ctx context.Context, handler ExceptionHandler, w correspondence.Writable, exc error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server: exception handler panicked: %v", r)
		}
	}()
	return handler(ctx, w, exc)
}

func (s *Server) emitConnect(p *peer.Peer) {
	select {
	case s.connects <- p:
	default:
		s.logger.Warn().Str("peer", p.ID()).Msg("connect event buffer full, dropping notification")
	}
}

func (s *Server) emitDisconnect(p *peer.Peer) {
	select {
	case s.disconnects <- p:
	default:
		s.logger.Warn().Str("peer", p.ID()).Msg("disconnect event buffer full, dropping notification")
	}
}

func (s *Server) emitError(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn().Err(err).Msg("error event buffer full, dropping notification")
	}
}

func unknownSubjectHandler(_ context.Context, corr *correspondence.Correspondence) error {
	subject := corr.Header().Subject
	return corr.SendError(message.MessageError{
		Type:    "UnknownSubject",
		Message: "Unknown subject: " + subject,
	})
}

func defaultExceptionHandler(_ context.Context, w correspondence.Writable, exc error) error {
	kind := "UnknownError"
	msg := "Unexpected error occurred!"

	var handlerErr *HandlerError
	switch {
	case errors.As(exc, &handlerErr):
		kind = handlerErr.Kind
		msg = handlerErr.Message
	case exc != nil:
		msg = exc.Error()
	}

	return w.SendError(message.MessageError{Type: kind, Message: msg})
}
