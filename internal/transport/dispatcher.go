package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/util"
)

// ErrClosed is reported for requests submitted to, or still queued in, a
// closed Dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher serializes requests onto a Link. A single goroutine drains the
// queue, so the link never sees more than one outstanding request.
type Dispatcher struct {
	link      Link
	log       *zap.Logger
	timeout   time.Duration
	queueSize int

	queue     chan *Request
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for packet tracing.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithTimeout bounds each exchange on the link. Default 10s.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithQueueSize sets how many requests may wait before submitters block.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// NewDispatcher starts draining requests onto link.
func NewDispatcher(link Link, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		link:      link,
		log:       zap.NewNop(),
		timeout:   10 * time.Second,
		queueSize: 32,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan *Request, d.queueSize)
	d.closed = make(chan struct{})
	d.done = make(chan struct{})
	go d.drain()
	return d
}

// Scheme returns the wire scheme of the underlying link.
func (d *Dispatcher) Scheme() protocol.Scheme { return d.link.Scheme() }

// MaxWriteSize returns the largest packet the link carries in one write.
func (d *Dispatcher) MaxWriteSize() int { return d.link.MaxWriteSize() }

// Send submits a command and blocks until its response arrives, the
// request fails or ctx ends. out, if non-nil, receives the decoded payload.
func (d *Dispatcher) Send(ctx context.Context, cmd protocol.Command, payload map[string]any, out any) (*protocol.Response, error) {
	w := newWaiter()
	req, err := d.newRequest(ctx, cmd, payload, out, w)
	if err != nil {
		return nil, err
	}
	if err := d.enqueue(ctx, req); err != nil {
		return nil, err
	}
	return req.wait(ctx)
}

// SendAsync submits a command and returns immediately. Every outcome,
// including a failure to build or enqueue, is delivered through cb.
func (d *Dispatcher) SendAsync(ctx context.Context, cmd protocol.Command, payload map[string]any, out any, cb Callback) {
	req, err := d.newRequest(ctx, cmd, payload, out, callback(cb))
	if err != nil {
		callback(cb).fail(err)
		return
	}
	if err := d.enqueue(ctx, req); err != nil {
		req.Fail(err)
	}
}

// Close fails queued requests, waits for the in-flight one and stops the
// drain goroutine. The link is left open.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	<-d.done
}

func (d *Dispatcher) newRequest(ctx context.Context, cmd protocol.Command, payload map[string]any, out any, done completion) (*Request, error) {
	seq := protocol.NextSequence()
	packet, err := protocol.Build(d.link.Scheme(), cmd.Header(seq), payload)
	if err != nil {
		return nil, err
	}
	return &Request{
		Command: cmd,
		Seq:     seq,
		packet:  packet,
		scheme:  d.link.Scheme(),
		out:     out,
		ctx:     ctx,
		done:    done,
	}, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, req *Request) error {
	select {
	case <-d.closed:
		return &protocol.TransportError{Op: req.Command.String(), Err: ErrClosed}
	default:
	}
	req.advance(StateCreated, StateEnqueued)
	select {
	case d.queue <- req:
		return nil
	case <-ctx.Done():
		return &protocol.TransportError{Op: req.Command.String(), Err: ctx.Err()}
	case <-d.closed:
		return &protocol.TransportError{Op: req.Command.String(), Err: ErrClosed}
	}
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for {
		select {
		case <-d.closed:
			d.failQueued()
			return
		case req := <-d.queue:
			d.process(req)
		}
	}
}

func (d *Dispatcher) failQueued() {
	for {
		select {
		case req := <-d.queue:
			req.Fail(&protocol.TransportError{Op: req.Command.String(), Err: ErrClosed})
		default:
			return
		}
	}
}

func (d *Dispatcher) process(req *Request) {
	// A synchronous caller that gave up while queued has already failed it.
	if !req.advance(StateEnqueued, StateSent) {
		d.log.Debug("skipping abandoned request", zap.Stringer("cmd", req.Command), zap.Uint8("seq", req.Seq))
		return
	}

	ctx, cancel := context.WithTimeout(req.ctx, d.timeout)
	defer cancel()

	if ce := d.log.Check(zap.DebugLevel, "tx"); ce != nil {
		ce.Write(
			zap.Stringer("cmd", req.Command),
			zap.Uint8("seq", req.Seq),
			zap.Int("bytes", len(req.packet)),
			zap.String("hex", util.HexDump(req.packet)))
	}

	frame, err := d.link.Exchange(ctx, req.packet)
	if err != nil {
		d.log.Debug("exchange failed", zap.Stringer("cmd", req.Command), zap.Error(err))
		req.Fail(&protocol.TransportError{Op: req.Command.String(), Err: err})
		return
	}

	if ce := d.log.Check(zap.DebugLevel, "rx"); ce != nil {
		ce.Write(
			zap.Stringer("cmd", req.Command),
			zap.Int("bytes", len(frame.Bytes)),
			zap.String("hex", util.HexDump(frame.Bytes)))
	}
	req.Receive(frame)
}
