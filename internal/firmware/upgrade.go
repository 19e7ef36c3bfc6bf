// Package firmware validates MCUboot images and drives the upload, test,
// reset and confirm sequence that installs them.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
	"github.com/vitaminmoo/smp-tool/internal/transport"
)

var (
	// ErrCancelRefused is returned by Cancel once a command that changes
	// device state has been sent.
	ErrCancelRefused = errors.New("cancel refused: device state already changed")
	// ErrResetTimeout is reported when the device does not come back after reset.
	ErrResetTimeout = errors.New("device did not reconnect after reset")
)

// Mode selects which phases run after the upload.
type Mode int

const (
	ModeTestAndConfirm Mode = iota
	ModeTestOnly
	ModeConfirmOnly
)

func (m Mode) String() string {
	switch m {
	case ModeTestAndConfirm:
		return "test-and-confirm"
	case ModeTestOnly:
		return "test-only"
	case ModeConfirmOnly:
		return "confirm-only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name as printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "test-and-confirm":
		return ModeTestAndConfirm, nil
	case "test-only", "test":
		return ModeTestOnly, nil
	case "confirm-only", "confirm":
		return ModeConfirmOnly, nil
	default:
		return 0, fmt.Errorf("unknown upgrade mode %q", s)
	}
}

// State is the phase of an upgrade.
type State int

const (
	StateIdle State = iota
	StateValidate
	StateUpload
	StateTest
	StateReset
	StateConfirm
	StateSuccess
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidate:
		return "validate"
	case StateUpload:
		return "upload"
	case StateTest:
		return "test"
	case StateReset:
		return "reset"
	case StateConfirm:
		return "confirm"
	case StateSuccess:
		return "success"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the upgrade has finished.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateCancelled || s == StateFailed
}

// UpgradeError records the phase an upgrade failed in.
type UpgradeError struct {
	State State
	Err   error
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("upgrade failed during %s: %v", e.State, e.Err)
}

func (e *UpgradeError) Unwrap() error { return e.Err }

// Commander issues the device-altering image commands.
type Commander interface {
	TestImage(ctx context.Context, hash []byte) error
	ConfirmImage(ctx context.Context, hash []byte) error
	Reset(ctx context.Context) error
}

// WatchFunc starts a source of connection events that lives until ctx
// ends. The upgrader only watches while it waits out a reset.
type WatchFunc func(ctx context.Context) transport.Observable

// StateFunc is called on every phase change.
type StateFunc func(prev, next State)

// Upgrader installs one image. It is single use.
type Upgrader struct {
	cmd   Commander
	up    transfer.Uploader
	watch WatchFunc

	mode         Mode
	retryLimit   int
	chunkSize    int
	resetTimeout time.Duration
	resume       *transfer.Session
	onState      StateFunc
	progress     transfer.ProgressFunc
	log          *zap.Logger

	mu        sync.Mutex
	state     State
	engine    *transfer.Engine
	session   transfer.Session
	image     *Image
	committed bool
	cancelReq bool
}

// Option configures an Upgrader.
type Option func(*Upgrader)

// WithMode sets the upgrade mode. Default ModeTestAndConfirm.
func WithMode(m Mode) Option {
	return func(u *Upgrader) { u.mode = m }
}

// WithStateCallback registers fn for phase changes.
func WithStateCallback(fn StateFunc) Option {
	return func(u *Upgrader) { u.onState = fn }
}

// WithProgress registers an upload progress callback.
func WithProgress(fn transfer.ProgressFunc) Option {
	return func(u *Upgrader) { u.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(u *Upgrader) {
		if l != nil {
			u.log = l
		}
	}
}

// WithChunkSize overrides the upload chunk size.
func WithChunkSize(n int) Option {
	return func(u *Upgrader) { u.chunkSize = n }
}

// WithRetryLimit bounds retries of transport failures, per chunk during the
// upload and per command afterwards. Default 1; a transport failure is
// always retried at least once.
func WithRetryLimit(n int) Option {
	return func(u *Upgrader) {
		if n >= 0 {
			u.retryLimit = n
		}
	}
}

// WithResetTimeout bounds the wait for the device to come back after
// reset. Zero waits until the context ends.
func WithResetTimeout(d time.Duration) Option {
	return func(u *Upgrader) { u.resetTimeout = d }
}

// WithResume continues the upload from a saved session when it matches
// the image being installed.
func WithResume(s transfer.Session) Option {
	return func(u *Upgrader) { u.resume = &s }
}

// NewUpgrader returns an Upgrader sending commands through cmd, image
// chunks through up, and calling watch for the reconnect after reset.
func NewUpgrader(cmd Commander, up transfer.Uploader, watch WatchFunc, opts ...Option) *Upgrader {
	u := &Upgrader{
		cmd:        cmd,
		up:         up,
		watch:      watch,
		retryLimit: 1,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// State returns the current phase.
func (u *Upgrader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Image returns the validated image, or nil before validation.
func (u *Upgrader) Image() *Image {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.image
}

// Session returns the upload session, live while uploading and the last
// snapshot afterwards.
func (u *Upgrader) Session() transfer.Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.engine != nil {
		return u.engine.Session()
	}
	return u.session
}

// Pause pauses the upload. Outside the upload it does nothing.
func (u *Upgrader) Pause() error {
	if e := u.uploadEngine(); e != nil {
		return e.Pause()
	}
	return nil
}

// Resume resumes a paused upload. Outside the upload it does nothing.
func (u *Upgrader) Resume() error {
	if e := u.uploadEngine(); e != nil {
		return e.Resume()
	}
	return nil
}

// Cancel stops the upgrade. During the upload it cancels the transfer;
// in any other phase it succeeds only while no test, reset or confirm
// command has been sent.
func (u *Upgrader) Cancel() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch {
	case u.state.Terminal():
		return transfer.ErrFinished
	case u.state == StateUpload && u.engine != nil:
		err := u.engine.Cancel()
		if !errors.Is(err, transfer.ErrFinished) || u.engine.Session().State != transfer.StateComplete {
			return err
		}
		// The upload just completed; nothing has been sent after it yet.
	case u.committed:
		return ErrCancelRefused
	}
	u.cancelReq = true
	return nil
}

func (u *Upgrader) uploadEngine() *transfer.Engine {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateUpload {
		return nil
	}
	return u.engine
}

func (u *Upgrader) setState(next State) {
	u.mu.Lock()
	prev := u.state
	u.state = next
	u.mu.Unlock()

	u.log.Info("upgrade state", zap.Stringer("from", prev), zap.Stringer("to", next))
	if u.onState != nil && prev != next {
		u.onState(prev, next)
	}
}

func (u *Upgrader) fail(state State, err error) error {
	u.setState(StateFailed)
	return &UpgradeError{State: state, Err: err}
}

// enter moves to next unless a cancel was requested first. With commit set,
// the phase sends a device-altering command and later cancels are refused.
func (u *Upgrader) enter(next State, commit bool) bool {
	u.mu.Lock()
	if u.cancelReq {
		u.mu.Unlock()
		u.setState(StateCancelled)
		return false
	}
	if commit {
		u.committed = true
	}
	u.mu.Unlock()
	u.setState(next)
	return true
}

// Run validates data and installs it. It returns nil on success,
// transfer.ErrCancelled after a cancel, and an *UpgradeError otherwise.
func (u *Upgrader) Run(ctx context.Context, data []byte) error {
	u.mu.Lock()
	if u.state != StateIdle {
		u.mu.Unlock()
		return fmt.Errorf("upgrader already used (%s)", u.state)
	}
	u.mu.Unlock()

	if !u.enter(StateValidate, false) {
		return transfer.ErrCancelled
	}
	img, err := ParseImage(data)
	if err != nil {
		return u.fail(StateValidate, err)
	}
	u.mu.Lock()
	u.image = img
	u.mu.Unlock()
	u.log.Info("image validated",
		zap.String("version", img.Version()),
		zap.String("hash", img.HashString()),
		zap.Int("size", img.Size))

	if !u.enter(StateUpload, false) {
		return transfer.ErrCancelled
	}
	if err := u.upload(ctx, data); err != nil {
		if errors.Is(err, transfer.ErrCancelled) {
			u.setState(StateCancelled)
			return err
		}
		return u.fail(StateUpload, err)
	}

	if u.mode != ModeConfirmOnly {
		if !u.enter(StateTest, true) {
			return transfer.ErrCancelled
		}
		if err := u.command(ctx, func(ctx context.Context) error { return u.cmd.TestImage(ctx, img.Hash) }); err != nil {
			return u.fail(StateTest, err)
		}
		if u.mode == ModeTestOnly {
			u.setState(StateSuccess)
			return nil
		}

		u.setState(StateReset)
		if err := u.reset(ctx); err != nil {
			return u.fail(StateReset, err)
		}
	}

	if !u.enter(StateConfirm, true) {
		return transfer.ErrCancelled
	}
	if err := u.command(ctx, func(ctx context.Context) error { return u.cmd.ConfirmImage(ctx, img.Hash) }); err != nil {
		return u.fail(StateConfirm, err)
	}
	u.setState(StateSuccess)
	return nil
}

func (u *Upgrader) upload(ctx context.Context, data []byte) error {
	opts := []transfer.Option{
		transfer.WithChunkSize(u.chunkSize),
		transfer.WithRetryLimit(u.retryLimit),
		transfer.WithProgress(u.progress),
		transfer.WithLogger(u.log),
	}

	var e *transfer.Engine
	if u.resume != nil {
		r, err := transfer.ResumeUpload(*u.resume, data, u.up, opts...)
		if err != nil {
			u.log.Warn("saved session does not apply, starting over", zap.Error(err))
		} else {
			u.log.Info("resuming upload", zap.Int("offset", u.resume.Offset), zap.Int("total", u.resume.Total))
			e = r
		}
	}
	if e == nil {
		e = transfer.NewUpload("image", data, u.up, opts...)
	}

	u.mu.Lock()
	if u.cancelReq {
		u.mu.Unlock()
		return transfer.ErrCancelled
	}
	u.engine = e
	u.mu.Unlock()

	err := e.Run(ctx)

	u.mu.Lock()
	u.session = e.Session()
	u.engine = nil
	u.mu.Unlock()
	return err
}

// command sends one device-altering command, retrying transport failures.
func (u *Upgrader) command(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= max(u.retryLimit, 1); attempt++ {
		if err = fn(ctx); err == nil || !protocol.IsTransportError(err) || ctx.Err() != nil {
			return err
		}
		u.log.Warn("command failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

// reset sends the reset command and waits for the device to drop off and
// come back. The observer is registered first so a quick disconnect is
// not missed.
func (u *Upgrader) reset(ctx context.Context) error {
	wctx, stop := context.WithCancel(ctx)
	defer stop()
	watcher := u.watch(wctx)

	w := newReconnectWaiter()
	watcher.AddObserver(w)
	defer watcher.RemoveObserver(w)

	for attempt := 0; ; attempt++ {
		err := u.cmd.Reset(ctx)
		if err == nil {
			break
		}
		if protocol.IsTransportError(err) && w.sawDisconnect() {
			// The device went down before its reply made it out.
			u.log.Debug("reset reply lost to disconnect", zap.Error(err))
			break
		}
		if !protocol.IsTransportError(err) || attempt >= max(u.retryLimit, 1) || ctx.Err() != nil {
			return err
		}
		u.log.Warn("reset failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	var timeout <-chan time.Time
	if u.resetTimeout > 0 {
		t := time.NewTimer(u.resetTimeout)
		defer t.Stop()
		timeout = t.C
	}

	u.log.Info("waiting for device to reconnect")
	select {
	case <-w.back:
		return nil
	case <-timeout:
		return ErrResetTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconnectWaiter closes back on the first connect that follows a disconnect.
type reconnectWaiter struct {
	mu   sync.Mutex
	down bool
	once sync.Once
	back chan struct{}
}

func newReconnectWaiter() *reconnectWaiter {
	return &reconnectWaiter{back: make(chan struct{})}
}

func (w *reconnectWaiter) OnDisconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down = true
}

func (w *reconnectWaiter) OnConnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.down {
		w.once.Do(func() { close(w.back) })
	}
}

func (w *reconnectWaiter) sawDisconnect() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.down
}
