// Package udp carries SMP packets in UDP datagrams, either bare or wrapped
// in a CoAP request to the omgr resource.
package udp

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// DefaultPort is the port SMP servers listen on.
const DefaultPort = "1337"

// DefaultMTU is the largest datagram sent to the device.
const DefaultMTU = 1024

const tokenLen = 4

// Config selects the device and wire variant.
type Config struct {
	Addr   string
	MTU    int
	Scheme protocol.Scheme
}

// Link is a transport.Link over a connected UDP socket.
type Link struct {
	conn   net.Conn
	mtu    int
	scheme protocol.Scheme
	log    *zap.Logger
	msgID  atomic.Uint32
	buf    []byte
}

// Dial connects to cfg.Addr. A missing port selects DefaultPort.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Link, error) {
	if cfg.Scheme == protocol.SchemeCoapBLE {
		return nil, fmt.Errorf("scheme %s is not a UDP scheme", cfg.Scheme)
	}
	addr := cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, cfg.MTU, cfg.Scheme, log), nil
}

// New wraps a connected datagram socket.
func New(conn net.Conn, mtu int, scheme protocol.Scheme, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	l := &Link{conn: conn, mtu: mtu, scheme: scheme, log: log, buf: make([]byte, 64*1024)}
	var seed [2]byte
	rand.Read(seed[:])
	l.msgID.Store(uint32(seed[0])<<8 | uint32(seed[1]))
	return l
}

func (l *Link) Scheme() protocol.Scheme { return l.scheme }

// MaxWriteSize is the SMP packet budget of one datagram.
func (l *Link) MaxWriteSize() int {
	if l.scheme.IsCoap() {
		return l.mtu - envelopeOverhead(tokenLen)
	}
	return l.mtu
}

// Exchange sends packet and returns the first matching datagram. Stray
// datagrams, such as late replies to abandoned requests, are skipped.
func (l *Link) Exchange(ctx context.Context, packet []byte) (protocol.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		l.conn.SetReadDeadline(dl)
	} else {
		l.conn.SetReadDeadline(time.Time{})
	}

	out := packet
	var req coapMessage
	if l.scheme.IsCoap() {
		req = l.request(packet)
		out = req.marshal()
	}
	if _, err := l.conn.Write(out); err != nil {
		return protocol.Frame{}, fmt.Errorf("write: %w", err)
	}

	for {
		n, err := l.conn.Read(l.buf)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Frame{}, ctx.Err()
			}
			return protocol.Frame{}, fmt.Errorf("read: %w", err)
		}
		data := append([]byte(nil), l.buf[:n]...)

		if !l.scheme.IsCoap() {
			if !protocol.Answers(packet, data) {
				l.log.Debug("dropping stale datagram", zap.Uint8("seq", data[6]))
				continue
			}
			return protocol.Frame{Bytes: data}, nil
		}

		m, err := parseCoap(data)
		if err != nil {
			l.log.Warn("dropping malformed coap datagram", zap.Error(err))
			continue
		}
		if !bytes.Equal(m.Token, req.Token) {
			l.log.Debug("dropping coap datagram for another request", zap.Uint16("mid", m.MessageID))
			continue
		}
		if m.Type == coapReset {
			return protocol.Frame{}, errors.New("coap: request reset by device")
		}
		return protocol.Frame{Bytes: data, Payload: m.Payload, CoapClass: m.class(), CoapDetail: m.detail()}, nil
	}
}

// request wraps packet in a confirmable GET or PUT according to the SMP op
// in its embedded header.
func (l *Link) request(packet []byte) coapMessage {
	code := uint8(coapPut)
	if m, err := protocol.DecodeMap(packet); err == nil {
		if hb, ok := m[protocol.HeaderKey].([]byte); ok {
			if h, err := protocol.DecodeHeader(hb); err == nil && h.Op == protocol.OpRead {
				code = coapGet
			}
		}
	}
	token := make([]byte, tokenLen)
	rand.Read(token)
	return coapMessage{
		Type:      coapConfirmable,
		Code:      code,
		MessageID: uint16(l.msgID.Add(1)),
		Token:     token,
		Payload:   packet,
	}
}

func (l *Link) Close() error {
	return l.conn.Close()
}
