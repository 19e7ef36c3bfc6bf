package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vitaminmoo/smp-tool/internal/firmware"
	"github.com/vitaminmoo/smp-tool/internal/logs"
	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/transfer"
	"github.com/vitaminmoo/smp-tool/internal/transport"
)

var (
	_ firmware.Commander  = (*Client)(nil)
	_ logs.Reader         = (*Client)(nil)
	_ transfer.Uploader   = (*ImageUploader)(nil)
	_ transfer.Uploader   = (*FileUploader)(nil)
	_ transfer.Downloader = (*FileDownloader)(nil)
)

// simDevice is an in-memory SMP server behind a transport.Link.
type simDevice struct {
	scheme protocol.Scheme
	mtu    int

	mu        sync.Mutex
	t         *testing.T
	image     []byte
	imageLen  int
	imageSHA  []byte
	lastState map[string]any
	files     map[string][]byte
	logs      []logs.Entry
	logPage   int
	resets    int
}

func newSimDevice(t *testing.T, scheme protocol.Scheme) *simDevice {
	return &simDevice{
		t:       t,
		scheme:  scheme,
		mtu:     128,
		files:   map[string][]byte{},
		logPage: 3,
	}
}

func (d *simDevice) Scheme() protocol.Scheme { return d.scheme }
func (d *simDevice) MaxWriteSize() int       { return d.mtu }
func (d *simDevice) Close() error            { return nil }

func (d *simDevice) Exchange(ctx context.Context, packet []byte) (protocol.Frame, error) {
	if len(packet) > d.mtu {
		d.t.Errorf("packet of %d bytes exceeds write size %d", len(packet), d.mtu)
	}

	var h protocol.Header
	var req map[string]any
	var err error
	if d.scheme.IsCoap() {
		req, err = protocol.DecodeMap(packet)
		if err != nil {
			return protocol.Frame{}, err
		}
		hb, _ := req[protocol.HeaderKey].([]byte)
		if h, err = protocol.DecodeHeader(hb); err != nil {
			return protocol.Frame{}, err
		}
		delete(req, protocol.HeaderKey)
	} else {
		if h, err = protocol.DecodeHeader(packet); err != nil {
			return protocol.Frame{}, err
		}
		if req, err = protocol.DecodeMap(packet[protocol.HeaderSize:]); err != nil {
			return protocol.Frame{}, err
		}
	}

	d.mu.Lock()
	rsp := d.handle(h, req)
	d.mu.Unlock()

	rh := h
	rh.Op = h.Op.Response()
	out, err := protocol.Build(d.scheme, rh, rsp)
	if err != nil {
		return protocol.Frame{}, err
	}
	f := protocol.Frame{Bytes: out}
	if d.scheme.IsCoap() {
		f.CoapClass, f.CoapDetail = 2, 5
	}
	return f, nil
}

func toInt(v any) int {
	switch x := v.(type) {
	case uint64:
		return int(x)
	case int64:
		return int(x)
	}
	return -1
}

func (d *simDevice) handle(h protocol.Header, req map[string]any) map[string]any {
	key := fmt.Sprintf("%d/%d/%d", h.Group, h.ID, h.Op)
	read, write := protocol.OpRead, protocol.OpWrite
	switch key {
	case fmt.Sprintf("%d/0/%d", protocol.GroupDefault, write):
		return map[string]any{"r": req["d"]}
	case fmt.Sprintf("%d/2/%d", protocol.GroupDefault, read):
		return map[string]any{"tasks": map[string]any{
			"idle": map[string]any{"prio": 15, "tid": 1, "stkuse": 40, "stksiz": 256},
		}}
	case fmt.Sprintf("%d/5/%d", protocol.GroupDefault, write):
		d.resets++
		return map[string]any{}

	case fmt.Sprintf("%d/0/%d", protocol.GroupImage, read):
		sum := sha256.Sum256(d.image)
		return map[string]any{"images": []any{
			map[string]any{"slot": 0, "version": "1.0.0", "hash": sum[:], "active": true, "confirmed": true, "bootable": true},
		}}
	case fmt.Sprintf("%d/0/%d", protocol.GroupImage, write):
		d.lastState = req
		return map[string]any{}
	case fmt.Sprintf("%d/1/%d", protocol.GroupImage, write):
		off := toInt(req["off"])
		data, _ := req["data"].([]byte)
		if off == 0 {
			d.image = nil
			d.imageLen = toInt(req["len"])
			d.imageSHA, _ = req["sha"].([]byte)
		}
		if off != len(d.image) {
			return map[string]any{"off": len(d.image)}
		}
		d.image = append(d.image, data...)
		return map[string]any{"off": len(d.image)}

	case fmt.Sprintf("%d/0/%d", protocol.GroupFS, read):
		name, _ := req["name"].(string)
		file, ok := d.files[name]
		if !ok {
			return map[string]any{"rc": int(protocol.RCNoEntry)}
		}
		off := toInt(req["off"])
		end := min(off+50, len(file))
		rsp := map[string]any{"off": off, "data": file[off:end]}
		if off == 0 {
			rsp["len"] = len(file)
		}
		return rsp
	case fmt.Sprintf("%d/0/%d", protocol.GroupFS, write):
		name, _ := req["name"].(string)
		off := toInt(req["off"])
		data, _ := req["data"].([]byte)
		if off == 0 {
			d.files[name] = nil
		}
		d.files[name] = append(d.files[name], data...)
		return map[string]any{"off": len(d.files[name])}
	case fmt.Sprintf("%d/1/%d", protocol.GroupFS, read):
		name, _ := req["name"].(string)
		return map[string]any{"len": len(d.files[name])}

	case fmt.Sprintf("%d/0/%d", protocol.GroupLogs, read):
		index := uint64(toInt(req["index"]))
		var entries []any
		next := index
		for _, e := range d.logs {
			if e.Index >= index && len(entries) < d.logPage {
				entries = append(entries, map[string]any{
					"msg": string(e.Msg), "ts": e.TS, "level": int(e.Level), "index": e.Index, "module": e.Module,
				})
				next = e.Index + 1
			}
		}
		return map[string]any{"next_index": next, "logs": []any{
			map[string]any{"name": req["log_name"], "type": 1, "entries": entries},
		}}
	case fmt.Sprintf("%d/5/%d", protocol.GroupLogs, read):
		return map[string]any{"log_list": []any{"reboot_log", "log"}}
	case fmt.Sprintf("%d/1/%d", protocol.GroupStats, read):
		return map[string]any{"stat_list": []any{"ble_phy", "ble_ll"}}
	}
	return map[string]any{"rc": int(protocol.RCNotSupported)}
}

func newTestClient(t *testing.T, scheme protocol.Scheme) (*Client, *simDevice) {
	dev := newSimDevice(t, scheme)
	d := transport.NewDispatcher(dev)
	t.Cleanup(d.Close)
	return New(d), dev
}

func TestEchoBothSchemes(t *testing.T) {
	for _, scheme := range []protocol.Scheme{protocol.SchemeStandard, protocol.SchemeCoapBLE} {
		t.Run(scheme.String(), func(t *testing.T) {
			c, _ := newTestClient(t, scheme)
			got, err := c.Echo(context.Background(), "ping")
			if err != nil {
				t.Fatalf("Echo: %v", err)
			}
			if got != "ping" {
				t.Fatalf("echo = %q", got)
			}
		})
	}
}

func TestTaskStats(t *testing.T) {
	c, _ := newTestClient(t, protocol.SchemeStandard)
	tasks, err := c.TaskStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if idle, ok := tasks["idle"]; !ok || idle.Prio != 15 || idle.StackSize != 256 {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestUnsupportedCommand(t *testing.T) {
	c, _ := newTestClient(t, protocol.SchemeStandard)
	if _, err := c.MemPoolStats(context.Background()); !protocol.IsApplicationError(err, protocol.RCNotSupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestImageUpload(t *testing.T) {
	for _, scheme := range []protocol.Scheme{protocol.SchemeStandard, protocol.SchemeCoapUDP} {
		t.Run(scheme.String(), func(t *testing.T) {
			c, dev := newTestClient(t, scheme)
			data := make([]byte, 3000)
			for i := range data {
				data[i] = byte(i)
			}

			up := c.ImageUploader(data, 0)
			if up.ChunkSize() <= 0 || up.ChunkSize() >= dev.mtu {
				t.Fatalf("chunk size = %d", up.ChunkSize())
			}
			e := transfer.NewUpload("image", data, up)
			if err := e.Run(context.Background()); err != nil {
				t.Fatalf("upload: %v", err)
			}
			if !bytes.Equal(dev.image, data) {
				t.Fatal("device image differs")
			}
			sum := sha256.Sum256(data)
			if dev.imageLen != len(data) || !bytes.Equal(dev.imageSHA, sum[:]) {
				t.Fatalf("first chunk fields: len %d sha %x", dev.imageLen, dev.imageSHA)
			}
		})
	}
}

func TestTestAndConfirmPayloads(t *testing.T) {
	c, dev := newTestClient(t, protocol.SchemeStandard)
	hash := bytes.Repeat([]byte{0xab}, 32)

	if err := c.TestImage(context.Background(), hash); err != nil {
		t.Fatal(err)
	}
	if dev.lastState["confirm"] != false || !bytes.Equal(dev.lastState["hash"].([]byte), hash) {
		t.Fatalf("test payload = %v", dev.lastState)
	}

	if err := c.ConfirmImage(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if dev.lastState["confirm"] != true {
		t.Fatalf("confirm payload = %v", dev.lastState)
	}
	if _, ok := dev.lastState["hash"]; ok {
		t.Fatal("confirm without hash sent a hash")
	}

	st, err := c.ImageState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Images) != 1 || !st.Images[0].Active || st.Images[0].Version != "1.0.0" {
		t.Fatalf("state = %+v", st)
	}
}

func TestFileRoundTrip(t *testing.T) {
	c, dev := newTestClient(t, protocol.SchemeStandard)
	content := bytes.Repeat([]byte("0123456789"), 33)

	e := transfer.NewUpload("/lfs/a.txt", content, c.FileUploader("/lfs/a.txt", len(content)))
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !bytes.Equal(dev.files["/lfs/a.txt"], content) {
		t.Fatal("device file differs")
	}

	n, err := c.FileStatus(context.Background(), "/lfs/a.txt")
	if err != nil || n != len(content) {
		t.Fatalf("status = %d, %v", n, err)
	}

	got, found, err := c.ReadFile(context.Background(), "/lfs/a.txt")
	if err != nil || !found {
		t.Fatalf("ReadFile: found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded file differs")
	}
}

func TestReadFileNotFound(t *testing.T) {
	c, _ := newTestClient(t, protocol.SchemeStandard)
	data, found, err := c.ReadFile(context.Background(), "/lfs/missing")
	if err != nil || found || data != nil {
		t.Fatalf("ReadFile = %v, %v, %v", data, found, err)
	}
}

func TestLogPagination(t *testing.T) {
	c, dev := newTestClient(t, protocol.SchemeStandard)
	for i := 0; i < 8; i++ {
		dev.logs = append(dev.logs, logs.Entry{
			Index: uint64(i),
			TS:    time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC).UnixMicro(),
			Msg:   logs.Message(fmt.Sprintf("boot %d", i)),
		})
	}

	cur, err := logs.NewPager(c, nil).PullAll(context.Background(), "log")
	if err != nil {
		t.Fatal(err)
	}
	if len(cur.Entries) != 8 || cur.NextIndex != 8 {
		t.Fatalf("cursor = %+v", cur)
	}
	if cur.Entries[5].Msg.String() != "boot 5" {
		t.Fatalf("entry 5 = %v", cur.Entries[5])
	}

	names, err := c.LogNames(context.Background())
	if err != nil || len(names) != 2 {
		t.Fatalf("names = %v, %v", names, err)
	}
}

func TestRaw(t *testing.T) {
	c, _ := newTestClient(t, protocol.SchemeCoapBLE)
	m, err := c.Raw(context.Background(), protocol.OpRead, protocol.GroupStats, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m[protocol.HeaderKey]; ok {
		t.Fatal("raw response kept the embedded header")
	}
	if list, ok := m["stat_list"].([]any); !ok || len(list) != 2 {
		t.Fatalf("raw = %v", m)
	}
}
