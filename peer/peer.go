// Package peer binds one duplex transport stream to the correspondence
// runtime: it demultiplexes inbound frames into the right Correspondence
// (creating new ones on demand), serializes outgoing frames, and owns the
// stream's lifecycle. Grounded on the request/response correlation shape
// of a broker client's connection loop, generalized to this protocol's
// symmetric initiator/responder roles.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/elementbound/nlon/correspondence"
	"github.com/elementbound/nlon/message"
	"github.com/elementbound/nlon/transport"
	"github.com/elementbound/nlon/wireid"
	"github.com/elementbound/nlon/wirelog"
)

const (
	inboundBuffer = 32
	errorBuffer   = 32
)

// Peer owns one transport.Stream and the set of Correspondences currently
// live on it.
type Peer struct {
	id      string
	stream  transport.Stream
	parser  *message.Parser
	logger  zerolog.Logger
	metrics MetricsSink

	corrBufferSize int

	mu              sync.Mutex
	correspondences map[string]*correspondence.Correspondence

	writeMu sync.Mutex

	disconnected   atomic.Bool
	disconnectOnce sync.Once

	inbound chan *correspondence.Correspondence
	errs    chan error
	done    chan struct{}
}

// MetricsSink observes message traffic at the Peer boundary. Optional —
// a Peer with no sink configured simply skips the calls.
type MetricsSink interface {
	ObserveIngested(t message.MessageType)
	ObserveEmitted(t message.MessageType)
}

// Option configures a Peer at construction.
type Option func(*Peer)

// WithLogger injects the structured log sink.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Peer) { p.logger = l }
}

// WithID overrides the generated peer id, useful in tests that need
// deterministic log output.
func WithID(id string) Option {
	return func(p *Peer) { p.id = id }
}

// WithMetrics wires a MetricsSink that's notified on every frame ingested
// and emitted, labeled by effective message type.
func WithMetrics(sink MetricsSink) Option {
	return func(p *Peer) { p.metrics = sink }
}

// WithCorrespondenceBufferSize overrides the per-correspondence chunk
// buffer (correspondence.WithBufferSize) for every Correspondence this
// Peer creates, whether remote-initiated or opened via Send/Correspond.
// Zero (the default) leaves each Correspondence's own default in place.
func WithCorrespondenceBufferSize(n int) Option {
	return func(p *Peer) { p.corrBufferSize = n }
}

// correspondenceOptions returns the Options every Correspondence this
// Peer creates should carry, beyond the per-call onTerminate/writable
// ones.
func (p *Peer) correspondenceOptions() []correspondence.Option {
	if p.corrBufferSize <= 0 {
		return nil
	}
	return []correspondence.Option{correspondence.WithBufferSize(p.corrBufferSize)}
}

// New binds stream and starts the Peer's single ingestion loop. Disconnect
// detaches from stream but never closes it — that's the transport
// adapter's responsibility.
func New(stream transport.Stream, opts ...Option) *Peer {
	p := &Peer{
		id:              wireid.NewPeerID(),
		stream:          stream,
		parser:          message.NewParser(stream),
		logger:          wirelog.Nop(),
		correspondences: make(map[string]*correspondence.Correspondence),
		inbound:         make(chan *correspondence.Correspondence, inboundBuffer),
		errs:            make(chan error, errorBuffer),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// ID returns the Peer's opaque diagnostic identifier.
func (p *Peer) ID() string { return p.id }

// IsConnected reports whether Disconnect has not yet been called (locally
// or via a transport failure).
func (p *Peer) IsConnected() bool { return !p.disconnected.Load() }

// Inbound yields each remote-initiated Correspondence as it's discovered.
// Receive is the cooperative, single-shot equivalent of draining this
// channel once.
func (p *Peer) Inbound() <-chan *correspondence.Correspondence { return p.inbound }

// Errors yields framing/streaming errors observed while ingesting frames.
func (p *Peer) Errors() <-chan error { return p.errs }

// Done is closed the instant Disconnect takes effect.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Send assigns a correspondence id if msg doesn't already carry one,
// validates it, writes exactly that one frame, and records the resulting
// Correspondence.
func (p *Peer) Send(msg *message.Message) (*correspondence.Correspondence, error) {
	if !p.IsConnected() {
		return nil, correspondence.ErrPeerDisconnected
	}

	if msg.Header.CorrespondenceID == "" {
		msg.Header.CorrespondenceID = wireid.NewCorrespondenceID()
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	writable := msg.Type != message.TypeFinish && msg.Type != message.TypeError
	id := msg.Header.CorrespondenceID

	opts := append([]correspondence.Option{
		correspondence.WithOnTerminate(p.evict(id)),
		correspondence.WithWritable(writable),
	}, p.correspondenceOptions()...)
	corr := correspondence.New(id, msg.Header, p, opts...)
	p.register(id, corr)

	if err := p.WriteFrame(msg); err != nil {
		return nil, err
	}
	return corr, nil
}

// Correspond creates a new locally-initiated Correspondence without
// sending a frame, so the caller can stream data/finish however it likes.
func (p *Peer) Correspond(header message.MessageHeader) (*correspondence.Correspondence, error) {
	if !p.IsConnected() {
		return nil, correspondence.ErrPeerDisconnected
	}
	if header.CorrespondenceID == "" {
		header.CorrespondenceID = wireid.NewCorrespondenceID()
	}

	opts := append([]correspondence.Option{
		correspondence.WithOnTerminate(p.evict(header.CorrespondenceID)),
	}, p.correspondenceOptions()...)
	corr := correspondence.New(header.CorrespondenceID, header, p, opts...)
	p.register(header.CorrespondenceID, corr)
	return corr, nil
}

// Receive suspends until the next remote-initiated Correspondence is
// observed, ctx is cancelled, or the Peer disconnects.
func (p *Peer) Receive(ctx context.Context) (*correspondence.Correspondence, error) {
	select {
	case corr, ok := <-p.inbound:
		if !ok {
			return nil, correspondence.ErrPeerDisconnected
		}
		return corr, nil
	case <-p.done:
		return nil, correspondence.ErrPeerDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect detaches from the stream: every live Correspondence is
// forced unreadable and unwritable, pending waiters fail with
// ErrPeerDisconnected, and subsequent Send/Correspond/Receive calls fail
// the same way. The underlying stream is left open for the transport
// adapter to close. Safe to call more than once.
func (p *Peer) Disconnect() {
	p.disconnectOnce.Do(func() {
		p.disconnected.Store(true)

		p.mu.Lock()
		live := make([]*correspondence.Correspondence, 0, len(p.correspondences))
		for _, c := range p.correspondences {
			live = append(live, c)
		}
		p.correspondences = make(map[string]*correspondence.Correspondence)
		p.mu.Unlock()

		for _, c := range live {
			c.ForceClose()
		}

		close(p.done)
		close(p.inbound)
		close(p.errs)

		p.logger.Info().Str("peer", p.id).Msg("peer disconnected")
	})
}

// WriteFrame implements correspondence.FrameWriter: it serializes
// concurrent writes from independent correspondences at frame
// granularity so the wire never sees an interleaved partial JSON object.
func (p *Peer) WriteFrame(msg *message.Message) error {
	if !p.IsConnected() {
		return correspondence.ErrPeerDisconnected
	}

	raw, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("peer: encode frame: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.IsConnected() {
		return correspondence.ErrPeerDisconnected
	}
	if _, err := p.stream.Write(raw); err != nil {
		return fmt.Errorf("peer: write frame: %w", err)
	}

	if p.metrics != nil {
		p.metrics.ObserveEmitted(msg.EffectiveType(true))
	}
	return nil
}

func (p *Peer) register(id string, corr *correspondence.Correspondence) {
	p.mu.Lock()
	p.correspondences[id] = corr
	p.mu.Unlock()
}

func (p *Peer) evict(id string) func() {
	return func() {
		p.mu.Lock()
		delete(p.correspondences, id)
		p.mu.Unlock()
	}
}

// run is the Peer's single ingestion task: it pulls decoded frames off
// the parser and dispatches them in order, never stalling on a blocked
// handler because ingestion only publishes into each correspondence's
// own buffered channel.
func (p *Peer) run() {
	for {
		msg, err := p.parser.Next()
		if !p.IsConnected() {
			return
		}
		if err != nil {
			if message.IsFraming(err) {
				p.emitError(err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.emitError(err)
			}
			p.Disconnect()
			return
		}
		p.dispatch(msg)
	}
}

func (p *Peer) dispatch(msg *message.Message) {
	id := msg.Header.CorrespondenceID

	p.mu.Lock()
	corr, known := p.correspondences[id]
	isNew := false
	if !known {
		opts := append([]correspondence.Option{
			correspondence.WithOnTerminate(p.evict(id)),
		}, p.correspondenceOptions()...)
		corr = correspondence.New(id, msg.Header, p, opts...)
		p.correspondences[id] = corr
		isNew = true
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ObserveIngested(msg.EffectiveType(known))
	}

	if isNew {
		p.emitInbound(corr)
	}
	corr.Ingest(msg)
}

func (p *Peer) emitInbound(corr *correspondence.Correspondence) {
	select {
	case p.inbound <- corr:
	default:
		p.logger.Warn().Str("peer", p.id).Str("correspondenceId", corr.ID()).
			Msg("inbound correspondence buffer full, dropping notification")
	}
}

func (p *Peer) emitError(err error) {
	select {
	case p.errs <- err:
	default:
		p.logger.Warn().Str("peer", p.id).Err(err).Msg("error buffer full, dropping notification")
	}
}
