package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// State is the lifecycle position of a Request.
type State int

const (
	StateCreated State = iota
	StateEnqueued
	StateSent
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEnqueued:
		return "enqueued"
	case StateSent:
		return "sent"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callback receives the outcome of an asynchronous request. Both functions
// run on the dispatcher goroutine and must not block.
type Callback struct {
	OnResponse func(*protocol.Response)
	OnError    func(error)
}

// completion is how a finished request reports back. A request owns exactly
// one: a waiter for synchronous callers or a callback for asynchronous ones.
type completion interface {
	complete(*protocol.Response)
	fail(error)
}

type waiter struct {
	done chan struct{}
	resp *protocol.Response
	err  error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) complete(resp *protocol.Response) {
	w.resp = resp
	close(w.done)
}

func (w *waiter) fail(err error) {
	w.err = err
	close(w.done)
}

type callback Callback

func (c callback) complete(resp *protocol.Response) {
	if c.OnResponse != nil {
		c.OnResponse(resp)
	}
}

func (c callback) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Request is one command waiting for its response.
type Request struct {
	Command protocol.Command
	Seq     uint8

	packet []byte
	scheme protocol.Scheme
	out    any
	ctx    context.Context

	mu    sync.Mutex
	state State
	done  completion
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Complete finishes the request with resp. Only the first Complete or Fail
// has any effect.
func (r *Request) Complete(resp *protocol.Response) {
	if r.finish(StateCompleted) {
		r.done.complete(resp)
	}
}

// Fail finishes the request with err. Only the first Complete or Fail has
// any effect.
func (r *Request) Fail(err error) {
	if r.finish(StateFailed) {
		r.done.fail(err)
	}
}

// Receive interprets a response frame for this request and completes or
// fails it accordingly.
func (r *Request) Receive(f protocol.Frame) {
	resp, err := protocol.ParseFrame(r.scheme, f, r.out)
	if resp != nil && resp.Header != nil && resp.Header.Seq != r.Seq {
		r.Fail(&protocol.ResponseParseError{
			Err: fmt.Errorf("sequence mismatch: sent %d, got %d", r.Seq, resp.Header.Seq),
		})
		return
	}
	if err != nil {
		r.Fail(err)
		return
	}
	r.Complete(resp)
}

func (r *Request) finish(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCompleted || r.state == StateFailed {
		return false
	}
	r.state = s
	return true
}

func (r *Request) advance(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

// wait blocks a synchronous caller until the request finishes or ctx ends.
func (r *Request) wait(ctx context.Context) (*protocol.Response, error) {
	w := r.done.(*waiter)
	select {
	case <-w.done:
	case <-ctx.Done():
		r.Fail(&protocol.TransportError{Op: r.Command.String(), Err: ctx.Err()})
		<-w.done
	}
	return w.resp, w.err
}
