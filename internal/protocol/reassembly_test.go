package protocol

import (
	"bytes"
	"testing"
)

func fragment(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := min(size, len(b))
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

func TestReassemblerComplete(t *testing.T) {
	packet, err := Build(SchemeStandard, Header{Op: OpReadRsp, Group: GroupFS}, map[string]any{
		"off":  uint64(0),
		"data": bytes.Repeat([]byte{0x5a}, 500),
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, size := range []int{8, 9, 20, 244, len(packet)} {
		r := NewReassembler(SchemeStandard)
		frags := fragment(packet, size)
		for i, f := range frags {
			got, done := r.Feed(f, i == 0)
			last := i == len(frags)-1
			if done != last {
				t.Fatalf("size %d fragment %d: done = %v", size, i, done)
			}
			if last && !bytes.Equal(got, packet) {
				t.Fatalf("size %d: reassembled packet differs", size)
			}
		}
	}
}

func TestReassemblerIncomplete(t *testing.T) {
	packet, _ := Build(SchemeStandard, Header{Op: OpReadRsp}, map[string]any{"d": "abcdefgh"})
	r := NewReassembler(SchemeStandard)
	if _, done := r.Feed(packet[:len(packet)-2], true); done {
		t.Fatal("short input reported complete")
	}
	got, expected := r.Pending()
	if got != len(packet)-2 || expected != len(packet) {
		t.Fatalf("pending = %d/%d", got, expected)
	}
	out, done := r.Feed(packet[len(packet)-2:], false)
	if !done || !bytes.Equal(out, packet) {
		t.Fatal("final fragment should complete the packet")
	}
}

func TestReassemblerFailOpen(t *testing.T) {
	r := NewReassembler(SchemeStandard)
	out, done := r.Feed([]byte{0x01, 0x02, 0x03}, true)
	if !done || !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Fatalf("unparsable first fragment: done=%v out=% x", done, out)
	}

	r = NewReassembler(SchemeCoapBLE)
	if _, done := r.Feed([]byte{0xa1, 0x61, 0x72, 0x01}, true); !done {
		t.Fatal("coap fragment without a defined length must complete immediately")
	}
}

func TestReassemblerWriteStartsFreshMessage(t *testing.T) {
	a, _ := Build(SchemeStandard, Header{Op: OpReadRsp, Seq: 1}, map[string]any{"d": "first"})
	b, _ := Build(SchemeStandard, Header{Op: OpReadRsp, Seq: 2}, map[string]any{"d": "second"})

	r := NewReassembler(SchemeStandard)
	if out, done := r.Write(a); !done || !bytes.Equal(out, a) {
		t.Fatal("first message")
	}
	if _, done := r.Write(b[:4]); done {
		t.Fatal("partial second message reported complete")
	}
	if out, done := r.Write(b[4:]); !done || !bytes.Equal(out, b) {
		t.Fatal("second message")
	}
}
