package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/transport"
)

var _ transport.Link = (*Link)(nil)

// peripheral collects written fragments and answers each complete request
// with notifications of at most notifySize bytes.
type peripheral struct {
	t          *testing.T
	l          *Link
	notifySize int
	silent     bool
	// stale, when set, is notified ahead of the next response.
	stale []byte

	mu     sync.Mutex
	writes [][]byte
	reasm  *protocol.Reassembler
}

func (p *peripheral) WriteWithoutResponse(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	pkt, done := p.reasm.Write(b)
	if !done || p.silent {
		return len(b), nil
	}

	h, err := protocol.DecodeHeader(pkt)
	if err != nil {
		p.t.Errorf("peripheral: %v", err)
		return len(b), nil
	}
	req, _ := protocol.DecodeMap(pkt[protocol.HeaderSize:])
	h.Op = h.Op.Response()
	rsp, _ := protocol.Build(protocol.SchemeStandard, h, map[string]any{"r": req["d"]})

	msgs := [][]byte{rsp}
	if p.stale != nil {
		msgs = [][]byte{p.stale, rsp}
		p.stale = nil
	}
	go func() {
		for _, m := range msgs {
			for off := 0; off < len(m); off += p.notifySize {
				p.l.onNotify(m[off:min(off+p.notifySize, len(m))])
			}
		}
	}()
	return len(b), nil
}

func newTestLink(t *testing.T, mtu int) (*Link, *peripheral) {
	l := newLink(protocol.SchemeStandard, nil)
	l.fragmentGap = 0
	p := &peripheral{t: t, l: l, notifySize: 20, reasm: protocol.NewReassembler(protocol.SchemeStandard)}
	l.attach(p, mtu)
	return l, p
}

func TestExchangeFragments(t *testing.T) {
	l, p := newTestLink(t, 23)
	if l.MaxWriteSize() != 20 {
		t.Fatalf("MaxWriteSize = %d", l.MaxWriteSize())
	}

	d := transport.NewDispatcher(l)
	defer d.Close()

	text := string(bytes.Repeat([]byte("abcdefgh"), 12))
	var rsp struct {
		R string `cbor:"r"`
	}
	cmd := protocol.Command{Op: protocol.OpWrite, Group: protocol.GroupDefault, ID: 0}
	if _, err := d.Send(context.Background(), cmd, map[string]any{"d": text}, &rsp); err != nil {
		t.Fatal(err)
	}
	if rsp.R != text {
		t.Fatal("echo mismatch")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) < 5 {
		t.Fatalf("expected the request split across writes, got %d", len(p.writes))
	}
	for i, w := range p.writes {
		if len(w) > 20 {
			t.Errorf("write %d is %d bytes", i, len(w))
		}
	}
}

func TestExchangeDisconnected(t *testing.T) {
	l, p := newTestLink(t, 185)
	p.silent = true

	errc := make(chan error, 1)
	go func() {
		_, err := l.Exchange(context.Background(), []byte{2, 0, 0, 0, 0, 0, 0, 0})
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if !l.detach() {
		t.Fatal("detach reported the link already down")
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Exchange did not return after disconnect")
	}

	if _, err := l.Exchange(context.Background(), []byte{2, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("exchange while down: %v", err)
	}
	if l.detach() {
		t.Fatal("second detach reported a change")
	}

	l.attach(p, 185)
	if !l.Connected() {
		t.Fatal("link not up after attach")
	}
}

func TestExchangeTimeoutReportsProgress(t *testing.T) {
	l, p := newTestLink(t, 185)
	p.silent = true

	// Half a response arrives, then nothing.
	go func() {
		time.Sleep(5 * time.Millisecond)
		l.onNotify([]byte{3, 0, 0, 40, 0, 0, 0, 0, 0xa0})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Exchange(ctx, []byte{2, 0, 0, 0, 0, 0, 0, 0})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestExchangeSkipsStaleReply(t *testing.T) {
	l, p := newTestLink(t, 185)
	old, err := protocol.Build(protocol.SchemeStandard,
		protocol.Header{Op: protocol.OpWriteRsp, Seq: 200}, map[string]any{"r": "late"})
	if err != nil {
		t.Fatal(err)
	}
	p.stale = old

	d := transport.NewDispatcher(l, transport.WithTimeout(time.Second))
	defer d.Close()

	var rsp struct {
		R string `cbor:"r"`
	}
	cmd := protocol.Command{Op: protocol.OpWrite, Group: protocol.GroupDefault, ID: 0}
	if _, err := d.Send(context.Background(), cmd, map[string]any{"d": "now"}, &rsp); err != nil {
		t.Fatal(err)
	}
	if rsp.R != "now" {
		t.Fatalf("echo = %q, want the current reply", rsp.R)
	}
}

func TestCheckScheme(t *testing.T) {
	if err := checkScheme(protocol.SchemeStandard); err != nil {
		t.Fatalf("standard: %v", err)
	}
	for _, s := range []protocol.Scheme{protocol.SchemeCoapBLE, protocol.SchemeCoapUDP} {
		if err := checkScheme(s); err == nil {
			t.Errorf("%s accepted", s)
		}
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		adName string
		addr   string
		hasSMP bool
		want   bool
	}{
		{"any smp device", Config{}, "", "AA:BB", true, true},
		{"no smp service", Config{}, "thing", "AA:BB", false, false},
		{"name match", Config{Name: "Zephyr"}, "zephyr", "AA:BB", false, true},
		{"name mismatch", Config{Name: "Zephyr"}, "other", "AA:BB", true, false},
		{"address match", Config{Address: "aa:bb"}, "", "AA:BB", false, true},
		{"address mismatch", Config{Address: "aa:cc"}, "", "AA:BB", true, false},
		{"both must match", Config{Name: "z", Address: "AA:BB"}, "y", "AA:BB", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(tt.cfg, tt.adName, tt.addr, tt.hasSMP); got != tt.want {
				t.Fatalf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}
