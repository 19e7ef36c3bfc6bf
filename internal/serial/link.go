package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	goserial "go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// DefaultMTU is the largest SMP packet a stock device console accepts.
const DefaultMTU = 256

// Config selects and configures the port.
type Config struct {
	Port string
	Baud int
	MTU  int
}

// Link is a transport.Link over a serial console.
type Link struct {
	rw  io.ReadWriteCloser
	mtu int
	log *zap.Logger
	dec Decoder

	lines chan []byte
	done  chan struct{}

	mu      sync.Mutex
	readErr error
	closed  bool
}

// Open opens the port in cfg and starts reading from it.
func Open(cfg Config, log *zap.Logger) (*Link, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	mode := &goserial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	port, err := goserial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	// Discard anything the device printed before we arrived.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset %s: %w", cfg.Port, err)
	}
	return New(port, cfg.MTU, log), nil
}

// New wraps an already open stream. A non-positive mtu selects DefaultMTU.
func New(rw io.ReadWriteCloser, mtu int, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	l := &Link{
		rw:    rw,
		mtu:   mtu,
		log:   log,
		lines: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.done)
	r := bufio.NewReader(l.rw)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case l.lines <- line:
			default:
				l.log.Warn("serial line dropped, reader is behind")
			}
		}
		if err != nil {
			l.mu.Lock()
			l.readErr = err
			l.mu.Unlock()
			return
		}
	}
}

func (l *Link) Scheme() protocol.Scheme { return protocol.SchemeStandard }

func (l *Link) MaxWriteSize() int { return l.mtu }

// Exchange writes packet as console frames and waits for the complete
// response frame carrying its sequence number. Console output between
// frames and late replies to abandoned requests are skipped.
func (l *Link) Exchange(ctx context.Context, packet []byte) (protocol.Frame, error) {
	l.drain()
	l.dec.Reset()

	out := Encode(packet)
	l.log.Debug("serial tx", zap.Int("bytes", len(packet)), zap.Int("framed", len(out)))
	if _, err := l.rw.Write(out); err != nil {
		return protocol.Frame{}, fmt.Errorf("write: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return protocol.Frame{}, ctx.Err()
		case <-l.done:
			return protocol.Frame{}, l.lostErr()
		case line := <-l.lines:
			pkt, ok, err := l.dec.Feed(line)
			if err != nil {
				l.log.Warn("bad serial frame", zap.Error(err))
				continue
			}
			if !ok {
				if !isFrameLine(line) {
					l.log.Debug("console", zap.ByteString("line", line))
				}
				continue
			}
			if !protocol.Answers(packet, pkt) {
				l.log.Debug("dropping stale serial frame", zap.Uint8("seq", pkt[6]))
				continue
			}
			l.log.Debug("serial rx", zap.Int("bytes", len(pkt)))
			return protocol.Frame{Bytes: pkt}, nil
		}
	}
}

// drain discards lines left over from an abandoned exchange.
func (l *Link) drain() {
	for {
		select {
		case <-l.lines:
		default:
			return
		}
	}
}

func (l *Link) lostErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	if l.readErr == nil || errors.Is(l.readErr, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return l.readErr
}

// Close closes the port and waits for the reader to stop.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	err := l.rw.Close()
	<-l.done
	return err
}

func isFrameLine(line []byte) bool {
	return len(line) >= 2 && (line[0] == frameStart[0] && line[1] == frameStart[1] ||
		line[0] == frameCont[0] && line[1] == frameCont[1])
}
