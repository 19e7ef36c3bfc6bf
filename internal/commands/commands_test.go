package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/api"
	"github.com/vitaminmoo/smp-tool/internal/config"
	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/store"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
	"github.com/vitaminmoo/smp-tool/internal/transport"
)

// fsDevice serves the file system group over the standard scheme.
type fsDevice struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes []int
	// other counts requests outside the file system group.
	other int

	// interrupt is called once when a write reaches interruptAt.
	interruptAt int
	interrupt   func()
}

func (d *fsDevice) Scheme() protocol.Scheme { return protocol.SchemeStandard }
func (d *fsDevice) MaxWriteSize() int       { return 128 }
func (d *fsDevice) Close() error            { return nil }

func (d *fsDevice) Exchange(ctx context.Context, packet []byte) (protocol.Frame, error) {
	h, err := protocol.DecodeHeader(packet)
	if err != nil {
		return protocol.Frame{}, err
	}
	req, err := protocol.DecodeMap(packet[protocol.HeaderSize:])
	if err != nil {
		return protocol.Frame{}, err
	}

	d.mu.Lock()
	rsp, err := d.handle(h, req)
	d.mu.Unlock()
	if err != nil {
		return protocol.Frame{}, err
	}

	rh := h
	rh.Op = h.Op.Response()
	out, err := protocol.Build(protocol.SchemeStandard, rh, rsp)
	return protocol.Frame{Bytes: out}, err
}

func intField(v any) int {
	switch x := v.(type) {
	case uint64:
		return int(x)
	case int64:
		return int(x)
	}
	return -1
}

func (d *fsDevice) handle(h protocol.Header, req map[string]any) (map[string]any, error) {
	if h.Group != protocol.GroupFS {
		d.other++
		return map[string]any{"rc": int(protocol.RCNotSupported)}, nil
	}
	name, _ := req["name"].(string)
	off := intField(req["off"])

	switch {
	case h.ID == 0 && h.Op == protocol.OpWrite:
		if d.interrupt != nil && off >= d.interruptAt {
			d.interrupt()
			d.interrupt = nil
			return nil, context.Canceled
		}
		d.writes = append(d.writes, off)
		data, _ := req["data"].([]byte)
		if off == 0 {
			d.files[name] = nil
		}
		if off != len(d.files[name]) {
			return map[string]any{"off": len(d.files[name])}, nil
		}
		d.files[name] = append(d.files[name], data...)
		return map[string]any{"off": len(d.files[name])}, nil

	case h.ID == 0 && h.Op == protocol.OpRead:
		file, ok := d.files[name]
		if !ok {
			return map[string]any{"rc": int(protocol.RCNoEntry)}, nil
		}
		end := min(off+40, len(file))
		rsp := map[string]any{"off": off, "data": file[off:end]}
		if off == 0 {
			rsp["len"] = len(file)
		}
		return rsp, nil

	case h.ID == 1:
		file, ok := d.files[name]
		if !ok {
			return map[string]any{"rc": int(protocol.RCNoEntry)}, nil
		}
		return map[string]any{"len": len(file)}, nil
	}
	return map[string]any{"rc": int(protocol.RCNotSupported)}, nil
}

func newTestSession(t *testing.T, link transport.Link) *Session {
	d := transport.NewDispatcher(link, transport.WithTimeout(time.Second))
	t.Cleanup(d.Close)
	c := api.New(d)
	c.SetTimeout(time.Second)
	return &Session{
		Link:       link,
		Dispatcher: d,
		Client:     c,
		Device:     "test",
		cfg:        config.Default(),
		log:        zap.NewNop(),
	}
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestFSUploadResumesAfterInterrupt(t *testing.T) {
	st, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := testData(1000)
	local := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(local, data, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev := &fsDevice{files: map[string][]byte{}, interruptAt: 300, interrupt: cancel}
	s := newTestSession(t, dev)

	err = FSUpload(ctx, s, st, local, "/lfs/blob.bin", TransferOptions{RetryLimit: 1, Plain: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("first upload err = %v", err)
	}

	entries, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("saved sessions = %d, want 1", len(entries))
	}
	saved := entries[0]
	if saved.State != transfer.StatePaused || saved.Offset < 300 || saved.Offset >= len(data) {
		t.Fatalf("saved session = %+v", saved)
	}

	dev.mu.Lock()
	dev.writes = nil
	dev.mu.Unlock()
	if err := FSUpload(context.Background(), s, st, local, "/lfs/blob.bin", TransferOptions{RetryLimit: 1, Plain: true}); err != nil {
		t.Fatalf("resumed upload: %v", err)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.writes) == 0 || dev.writes[0] != saved.Offset {
		t.Fatalf("resumed writes start at %v, want %d", dev.writes, saved.Offset)
	}
	if !bytes.Equal(dev.files["/lfs/blob.bin"], data) {
		t.Fatal("device file differs from source")
	}
	if n, _ := st.Count(); n != 0 {
		t.Fatalf("completed session still stored (%d)", n)
	}
}

func TestFSDownload(t *testing.T) {
	data := testData(150)
	dev := &fsDevice{files: map[string][]byte{"/lfs/log.txt": data}}
	s := newTestSession(t, dev)
	local := filepath.Join(t.TempDir(), "out.txt")

	if err := FSDownload(context.Background(), s, "/lfs/log.txt", local, TransferOptions{Plain: true}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(data))
	}

	err = FSDownload(context.Background(), s, "/lfs/missing", local, TransferOptions{Plain: true})
	if err == nil || !strings.Contains(err.Error(), "no such file") {
		t.Fatalf("missing file err = %v", err)
	}
	if err := FSStat(context.Background(), s.Client, "/lfs/missing"); err == nil {
		t.Fatal("stat of missing file succeeded")
	}
}

func TestSettle(t *testing.T) {
	st, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := func(state transfer.State, off int) store.Record {
		return store.Record{
			Key:    "sha256:abcd@dev:/f",
			Target: "dev:/f",
			Session: transfer.Session{
				ID: "/f", Direction: transfer.Upload, Total: 100, Offset: off,
				State: state, Hash: "sha256:abcd", UpdatedAt: time.Now(),
			},
		}
	}

	if err := settle(st, rec(transfer.StatePaused, 0)); err != nil {
		t.Fatal(err)
	}
	if n, _ := st.Count(); n != 0 {
		t.Fatal("session with no progress was saved")
	}

	if err := settle(st, rec(transfer.StateFailed, 40)); err != nil {
		t.Fatal(err)
	}
	s := savedSession(st, "sha256:abcd@dev:/f")
	if s == nil || s.State != transfer.StatePaused || s.Offset != 40 {
		t.Fatalf("failed session saved as %+v", s)
	}

	if err := settle(st, rec(transfer.StateComplete, 100)); err != nil {
		t.Fatal(err)
	}
	if savedSession(st, "sha256:abcd@dev:/f") != nil {
		t.Fatal("complete session kept")
	}
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload(`{"off": 12, "ratio": 0.5, "name": "x", "hash": "hex:0a0b", "nested": {"n": [1, "hex:ff"]}}`)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := p["off"].(int64); !ok || v != 12 {
		t.Errorf("off = %#v", p["off"])
	}
	if v, ok := p["ratio"].(float64); !ok || v != 0.5 {
		t.Errorf("ratio = %#v", p["ratio"])
	}
	if v, ok := p["hash"].([]byte); !ok || !bytes.Equal(v, []byte{0x0a, 0x0b}) {
		t.Errorf("hash = %#v", p["hash"])
	}
	n := p["nested"].(map[string]any)["n"].([]any)
	if n[0] != int64(1) || !bytes.Equal(n[1].([]byte), []byte{0xff}) {
		t.Errorf("nested = %#v", n)
	}

	if _, err := ParsePayload(`{"hash": "hex:zz"}`); err == nil {
		t.Error("bad hex accepted")
	}
	if _, err := ParsePayload(`[1]`); err == nil {
		t.Error("non-object accepted")
	}
	if p, err := ParsePayload(""); err != nil || len(p) != 0 {
		t.Errorf("empty payload = %v, %v", p, err)
	}
}

func TestParseGroup(t *testing.T) {
	tests := []struct {
		in   string
		want protocol.Group
		ok   bool
	}{
		{"0", protocol.GroupDefault, true},
		{"image", protocol.GroupImage, true},
		{"FS", protocol.GroupFS, true},
		{"0x40", protocol.GroupPerUser, true},
		{"nope", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseGroup(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseGroup(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestParseHash(t *testing.T) {
	hex := strings.Repeat("ab", 32)
	for _, in := range []string{hex, "sha256:" + hex, " " + hex + "\n"} {
		if h, err := ParseHash(in); err != nil || len(h) != 32 {
			t.Errorf("ParseHash(%q) = %x, %v", in, h, err)
		}
	}
	for _, in := range []string{"abcd", "xyz"} {
		if _, err := ParseHash(in); err == nil {
			t.Errorf("ParseHash(%q) succeeded", in)
		}
	}
}

func TestDescribePacket(t *testing.T) {
	cmd := protocol.Command{Op: protocol.OpWrite, Group: protocol.GroupDefault, ID: 0}
	pkt, err := protocol.Build(protocol.SchemeStandard, cmd.Header(3), map[string]any{"d": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := describePacket(protocol.SchemeStandard, pkt)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "seq=3") || !strings.Contains(got, "d=hello") {
		t.Fatalf("summary = %q", got)
	}
	if _, err := describePacket(protocol.SchemeStandard, pkt[:len(pkt)-2]); err == nil {
		t.Fatal("truncated packet accepted")
	}
	if got := describeValue([]byte{0, 1, 2}); got != "000102" {
		t.Fatalf("binary value = %q", got)
	}
}

func TestLineReporter(t *testing.T) {
	var buf bytes.Buffer
	r := newLineReporter(&buf)
	t0 := time.Unix(0, 0)
	r.Phase("upload")
	for done := 0; done <= 1000; done += 10 {
		r.Progress(done, 1000, t0.Add(time.Duration(done)*time.Millisecond))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// Phase line plus one line per tenth.
	if len(lines) != 12 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[len(lines)-1], "(100%)") {
		t.Fatalf("last line = %q", lines[len(lines)-1])
	}
}

func TestWatchPollsUntilContextEnds(t *testing.T) {
	dev := &fsDevice{files: map[string][]byte{}}
	s := newTestSession(t, dev)
	s.cfg.Transport.PollInterval = 10 * time.Millisecond
	others := func() int {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.other
	}

	time.Sleep(30 * time.Millisecond)
	if n := others(); n != 0 {
		t.Fatalf("%d requests before anything watched", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if s.Watch(ctx) == nil {
		t.Fatal("no event source")
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if others() == 0 {
		t.Fatal("device never checked while watched")
	}

	time.Sleep(20 * time.Millisecond)
	n := others()
	time.Sleep(50 * time.Millisecond)
	if got := others(); got != n {
		t.Fatalf("checks went on after the watch ended: %d then %d", n, got)
	}
}
