package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/transport"
)

// ErrDisconnected is returned by Exchange when the device drops the
// connection before answering.
var ErrDisconnected = errors.New("ble: disconnected")

// writer is the write side of the SMP characteristic.
type writer interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// Link is a transport.Link over the SMP GATT characteristic. Connection
// changes are reported to registered observers.
type Link struct {
	transport.Observers

	scheme protocol.Scheme
	log    *zap.Logger

	// fragmentGap paces consecutive writes of one packet.
	fragmentGap time.Duration

	mu        sync.Mutex
	tx        writer
	mtu       int
	connected bool
	lost      chan struct{}
	reasm     *protocol.Reassembler
	response  chan []byte

	// closer is set by Connect.
	closer func() error
}

// checkScheme rejects wire variants the link cannot frame. CoAP over BLE
// needs an envelope and reassembly this link does not provide.
func checkScheme(s protocol.Scheme) error {
	if s != protocol.SchemeStandard {
		return fmt.Errorf("scheme %s is not supported over BLE", s)
	}
	return nil
}

func newLink(scheme protocol.Scheme, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	return &Link{
		scheme:      scheme,
		log:         log,
		fragmentGap: 5 * time.Millisecond,
		mtu:         defaultMTU,
		lost:        make(chan struct{}),
		reasm:       protocol.NewReassembler(scheme),
		response:    make(chan []byte, 4),
	}
}

func (l *Link) Scheme() protocol.Scheme { return l.scheme }

// MaxWriteSize is the ATT payload of one write. Longer packets are split
// across several writes.
func (l *Link) MaxWriteSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu - attOverhead
}

// attach installs a freshly set up characteristic and marks the link up.
func (l *Link) attach(tx writer, mtu int) {
	l.mu.Lock()
	l.tx = tx
	if mtu > attOverhead {
		l.mtu = mtu
	}
	l.connected = true
	l.lost = make(chan struct{})
	l.reasm.Reset()
	l.mu.Unlock()
}

// detach marks the link down and wakes a pending Exchange.
func (l *Link) detach() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return false
	}
	l.connected = false
	l.tx = nil
	close(l.lost)
	return true
}

// onNotify feeds one notification into the reassembler.
func (l *Link) onNotify(buf []byte) {
	l.mu.Lock()
	pkt, done := l.reasm.Write(buf)
	got, want := l.reasm.Pending()
	l.mu.Unlock()

	if !done {
		l.log.Debug("ble fragment", zap.Int("bytes", len(buf)), zap.Int("have", got), zap.Int("want", want))
		return
	}
	select {
	case l.response <- pkt:
	default:
		l.log.Warn("ble response dropped, nobody waiting", zap.Int("bytes", len(pkt)))
	}
}

// Exchange writes packet in MTU-sized fragments and waits for the
// reassembled reply carrying its sequence number.
func (l *Link) Exchange(ctx context.Context, packet []byte) (protocol.Frame, error) {
	l.mu.Lock()
	tx, mtu, lost, up := l.tx, l.mtu, l.lost, l.connected
	l.reasm.Reset()
	l.mu.Unlock()
	if !up {
		return protocol.Frame{}, ErrDisconnected
	}

	// Drop late replies to abandoned requests.
	for drained := false; !drained; {
		select {
		case <-l.response:
		default:
			drained = true
		}
	}

	size := mtu - attOverhead
	for off := 0; off < len(packet); off += size {
		end := min(off+size, len(packet))
		if _, err := tx.WriteWithoutResponse(packet[off:end]); err != nil {
			return protocol.Frame{}, fmt.Errorf("write fragment at %d: %w", off, err)
		}
		if end < len(packet) && l.fragmentGap > 0 {
			time.Sleep(l.fragmentGap)
		}
	}

	for {
		select {
		case pkt := <-l.response:
			if !protocol.Answers(packet, pkt) {
				l.log.Debug("dropping stale ble response", zap.Uint8("seq", pkt[6]))
				continue
			}
			return protocol.Frame{Bytes: pkt}, nil
		case <-lost:
			return protocol.Frame{}, ErrDisconnected
		case <-ctx.Done():
			l.mu.Lock()
			got, want := l.reasm.Pending()
			l.mu.Unlock()
			return protocol.Frame{}, fmt.Errorf("%w (got %d/%d bytes)", ctx.Err(), got, want)
		}
	}
}

// Connected reports whether the link is currently up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Close disconnects and stops any reconnect attempts.
func (l *Link) Close() error {
	l.detach()
	if l.closer != nil {
		return l.closer()
	}
	return nil
}
