package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

const defaultChunkSize = 128

// Engine drives one Session. Run issues one chunk command at a time;
// Pause, Resume and Cancel may be called from any goroutine and take effect
// at the next chunk boundary.
type Engine struct {
	up   Uploader
	down Downloader
	data []byte
	buf  bytes.Buffer

	retryLimit int
	progress   ProgressFunc
	log        *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	s       Session
	running bool
	sent    bool
	known   bool
	pausing bool
	cancel  bool
	wake    chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunkSize bounds the bytes per upload chunk. Without it the
// uploader's ChunkSize is used when available.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.s.ChunkSize = n
		}
	}
}

// WithRetryLimit sets how many times one chunk is retried after a
// transport error or a stalled acknowledgment. Default 1. A transport
// error is retried at least once whatever the limit.
func WithRetryLimit(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retryLimit = n
		}
	}
}

// WithHash records the content hash of the transferred bytes in the
// session, for persistence.
func WithHash(h string) Option {
	return func(e *Engine) { e.s.Hash = h }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewUpload prepares an upload of data identified by id.
func NewUpload(id string, data []byte, u Uploader, opts ...Option) *Engine {
	e := newEngine(Session{ID: id, Direction: Upload, Total: len(data), State: StateIdle}, opts)
	e.up = u
	e.data = data
	e.fitChunkSize(u)
	return e
}

// ResumeUpload continues a previously persisted upload session over the same
// data. The session must describe data: same total and an offset inside it.
func ResumeUpload(s Session, data []byte, u Uploader, opts ...Option) (*Engine, error) {
	if s.Direction != Upload {
		return nil, fmt.Errorf("session %s is a %s", s.ID, s.Direction)
	}
	if s.Total != len(data) || s.Offset < 0 || s.Offset > s.Total {
		return nil, fmt.Errorf("session %s does not match data: offset %d total %d, data %d bytes", s.ID, s.Offset, s.Total, len(data))
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("session %s: %w", s.ID, ErrFinished)
	}
	s.State = StatePaused
	s.Retries = 0
	e := newEngine(s, opts)
	e.up = u
	e.data = data
	e.sent = s.Offset > 0
	e.fitChunkSize(u)
	return e, nil
}

// NewDownload prepares a download identified by id. The total is taken
// from the first chunk.
func NewDownload(id string, d Downloader, opts ...Option) *Engine {
	e := newEngine(Session{ID: id, Direction: Download, State: StateIdle}, opts)
	e.down = d
	e.fitChunkSize(d)
	return e
}

// ResumeDownload continues a download, given the bytes received so far.
func ResumeDownload(s Session, partial []byte, d Downloader, opts ...Option) (*Engine, error) {
	if s.Direction != Download {
		return nil, fmt.Errorf("session %s is a %s", s.ID, s.Direction)
	}
	if len(partial) != s.Offset {
		return nil, fmt.Errorf("session %s is at offset %d but %d bytes were kept", s.ID, s.Offset, len(partial))
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("session %s: %w", s.ID, ErrFinished)
	}
	s.State = StatePaused
	s.Retries = 0
	e := newEngine(s, opts)
	e.down = d
	e.buf.Write(partial)
	e.sent = s.Offset > 0
	e.known = s.Total > 0
	e.fitChunkSize(d)
	return e, nil
}

func newEngine(s Session, opts []Option) *Engine {
	e := &Engine{
		s:          s,
		retryLimit: 1,
		log:        zap.NewNop(),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) fitChunkSize(v any) {
	if e.s.ChunkSize > 0 {
		return
	}
	if cs, ok := v.(ChunkSizer); ok && cs.ChunkSize() > 0 {
		e.s.ChunkSize = cs.ChunkSize()
		return
	}
	e.s.ChunkSize = defaultChunkSize
}

// Session returns a snapshot of the session.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}

// Bytes returns the downloaded bytes, or the upload source.
func (e *Engine) Bytes() []byte {
	if e.s.Direction == Upload {
		return e.data
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return bytes.Clone(e.buf.Bytes())
}

// Pause asks Run to stop after the chunk in flight. It only has an effect
// while the transfer is in progress.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.Terminal() {
		return ErrFinished
	}
	if e.s.State == StateInProgress {
		e.pausing = true
	}
	return nil
}

// Resume continues a paused transfer from the last acknowledged offset.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.Terminal() {
		return ErrFinished
	}
	e.pausing = false
	if e.s.State == StatePaused && e.running {
		e.setState(StateInProgress)
		e.signal()
	}
	return nil
}

// Cancel stops the transfer. A running transfer observes it once the chunk
// in flight resolves; an idle or paused one is cancelled at once.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.Terminal() {
		return ErrFinished
	}
	if !e.running {
		e.setState(StateCancelled)
		return nil
	}
	e.cancel = true
	e.signal()
	return nil
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// setState must be called with mu held.
func (e *Engine) setState(s State) {
	if e.s.State == s {
		return
	}
	e.log.Info("transfer state",
		zap.String("id", e.s.ID),
		zap.String("from", string(e.s.State)),
		zap.String("to", string(s)),
		zap.Int("offset", e.s.Offset))
	e.s.State = s
	e.s.UpdatedAt = e.now()
}

// Run moves chunks until the transfer completes, fails or is cancelled, or
// ctx ends. An ended ctx leaves the session Paused so it can be resumed
// later, and Run returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.s.State.Terminal() {
		e.mu.Unlock()
		return ErrFinished
	}
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.setState(StateInProgress)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.pausing = false
		e.cancel = false
		e.mu.Unlock()
	}()

	for {
		if err := e.boundary(ctx); err != nil {
			return err
		}
		if e.done() {
			e.mu.Lock()
			e.setState(StateComplete)
			e.mu.Unlock()
			return nil
		}
		if err := e.step(ctx); err != nil {
			return err
		}
	}
}

// boundary applies pending intents between chunks and blocks while paused.
func (e *Engine) boundary(ctx context.Context) error {
	for {
		e.mu.Lock()
		switch {
		case e.cancel:
			e.setState(StateCancelled)
			e.mu.Unlock()
			return ErrCancelled
		case ctx.Err() != nil:
			e.setState(StatePaused)
			e.mu.Unlock()
			return ctx.Err()
		case e.pausing:
			e.pausing = false
			e.setState(StatePaused)
		}
		if e.s.State != StatePaused {
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		select {
		case <-e.wake:
		case <-ctx.Done():
		}
	}
}

func (e *Engine) done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Direction == Download {
		return e.known && e.s.Offset >= e.s.Total
	}
	// An empty upload still sends one chunk so the device sees the length.
	return e.s.Offset >= e.s.Total && (e.s.Total > 0 || e.sent)
}

func (e *Engine) step(ctx context.Context) error {
	s := e.Session()

	var err error
	if s.Direction == Upload {
		err = e.uploadChunk(ctx, s)
	} else {
		err = e.downloadChunk(ctx, s)
	}
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		e.mu.Lock()
		e.setState(StatePaused)
		e.mu.Unlock()
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	limit := e.retryLimit
	if protocol.IsTransportError(err) {
		// A transport failure on an untouched chunk is always retried once.
		limit = max(limit, 1)
	}
	if retryable(err) && e.s.Retries < limit {
		e.s.Retries++
		e.log.Warn("chunk failed, retrying",
			zap.String("id", e.s.ID),
			zap.Int("offset", e.s.Offset),
			zap.Int("attempt", e.s.Retries),
			zap.Error(err))
		return nil
	}
	e.setState(StateFailed)
	return fmt.Errorf("%s %s at offset %d: %w", e.s.Direction, e.s.ID, e.s.Offset, err)
}

func (e *Engine) uploadChunk(ctx context.Context, s Session) error {
	end := min(s.Offset+s.ChunkSize, s.Total)
	chunk := e.data[s.Offset:end]

	acked, err := e.up.WriteChunk(ctx, s, chunk)
	if err != nil {
		return err
	}
	if acked > s.Total {
		return &protocol.ResponseParseError{Err: fmt.Errorf("device acknowledged offset %d beyond total %d", acked, s.Total)}
	}
	if acked <= s.Offset && s.Total > 0 {
		return &stallError{sent: s.Offset, acked: acked}
	}

	e.advance(acked)
	return nil
}

func (e *Engine) downloadChunk(ctx context.Context, s Session) error {
	c, err := e.down.ReadChunk(ctx, s)
	if err != nil {
		return err
	}
	if c.Offset != s.Offset {
		return &stallError{sent: s.Offset, acked: c.Offset}
	}

	e.mu.Lock()
	if !e.known && c.Total > 0 {
		e.s.Total = c.Total
		e.known = true
	}
	e.buf.Write(c.Data)
	if len(c.Data) == 0 {
		// Nothing more to read: whatever arrived is the whole file.
		e.s.Total = e.s.Offset
		e.known = true
	}
	e.mu.Unlock()

	e.advance(s.Offset + len(c.Data))
	return nil
}

func (e *Engine) advance(off int) {
	e.mu.Lock()
	e.s.Offset = off
	e.s.Retries = 0
	e.s.UpdatedAt = e.now()
	e.sent = true
	transferred, total, at := e.s.Offset, e.s.Total, e.s.UpdatedAt
	e.mu.Unlock()

	if e.progress != nil {
		e.progress(transferred, total, at)
	}
}

// stallError reports an acknowledgment that did not move the offset forward.
type stallError struct {
	sent  int
	acked int
}

func (e *stallError) Error() string {
	return fmt.Sprintf("transfer stalled: chunk at offset %d acknowledged at %d", e.sent, e.acked)
}

func retryable(err error) bool {
	var se *stallError
	return protocol.IsTransportError(err) || errors.As(err, &se)
}
