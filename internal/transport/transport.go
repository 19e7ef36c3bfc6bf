// Package transport carries SMP requests over a link, one at a time.
package transport

import (
	"context"
	"sync"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// Link is a connected byte pipe to one device.
//
// Exchange writes one packet, fragmenting it as the medium requires, and
// returns the complete response to it. Replies left over from an abandoned
// exchange are discarded, not returned. Links are not safe for concurrent
// Exchange calls; a Dispatcher serializes access.
type Link interface {
	Scheme() protocol.Scheme
	MaxWriteSize() int
	Exchange(ctx context.Context, packet []byte) (protocol.Frame, error)
	Close() error
}

// ConnectionObserver receives link state changes.
type ConnectionObserver interface {
	OnConnected()
	OnDisconnected()
}

// Observable is implemented by anything that reports connection state.
type Observable interface {
	AddObserver(o ConnectionObserver)
	RemoveObserver(o ConnectionObserver)
}

// ObserverFuncs adapts a pair of functions to ConnectionObserver.
// Register a pointer so it can be removed again.
type ObserverFuncs struct {
	Connected    func()
	Disconnected func()
}

func (f *ObserverFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f *ObserverFuncs) OnDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

// Observers is a registry embedded by links to fan out connection events.
type Observers struct {
	mu   sync.Mutex
	list []ConnectionObserver
}

func (o *Observers) AddObserver(obs ConnectionObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *Observers) RemoveObserver(obs ConnectionObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, cur := range o.list {
		if cur == obs {
			o.list = append(o.list[:i], o.list[i+1:]...)
			return
		}
	}
}

// NotifyConnected calls OnConnected on every registered observer.
func (o *Observers) NotifyConnected() {
	for _, obs := range o.snapshot() {
		obs.OnConnected()
	}
}

// NotifyDisconnected calls OnDisconnected on every registered observer.
func (o *Observers) NotifyDisconnected() {
	for _, obs := range o.snapshot() {
		obs.OnDisconnected()
	}
}

func (o *Observers) snapshot() []ConnectionObserver {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ConnectionObserver, len(o.list))
	copy(out, o.list)
	return out
}
