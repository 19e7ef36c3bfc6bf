package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestObserversAddRemove(t *testing.T) {
	var o Observers
	var connected, disconnected atomic.Int32
	obs := &ObserverFuncs{
		Connected:    func() { connected.Add(1) },
		Disconnected: func() { disconnected.Add(1) },
	}

	o.AddObserver(obs)
	o.NotifyDisconnected()
	o.NotifyConnected()
	o.RemoveObserver(obs)
	o.NotifyConnected()

	if connected.Load() != 1 || disconnected.Load() != 1 {
		t.Fatalf("connected=%d disconnected=%d", connected.Load(), disconnected.Load())
	}
}

func TestPollerReportsOutage(t *testing.T) {
	// up, up, down, down, up
	script := []bool{true, true, false, false, true}
	var i atomic.Int32
	probe := func(context.Context) error {
		n := int(i.Add(1)) - 1
		if n < len(script) && !script[n] {
			return errors.New("no answer")
		}
		return nil
	}

	p := NewPoller(probe, time.Millisecond, nil)
	events := make(chan string, 4)
	p.AddObserver(&ObserverFuncs{
		Connected:    func() { events <- "connected" },
		Disconnected: func() { events <- "disconnected" },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for _, want := range []string{"disconnected", "connected"} {
		select {
		case got := <-events:
			if got != want {
				t.Fatalf("event = %s, want %s", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
