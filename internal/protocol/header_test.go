package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	lengths := []uint16{0, 1, 255, 256, 4096, 65535}
	groups := []Group{GroupDefault, GroupImage, GroupFS, GroupPerUser, 0x1234, 65535}
	bytesVals := []uint8{0, 1, 0x7f, 0x80, 255}

	for op := Op(0); op <= OpWriteRsp; op++ {
		for _, length := range lengths {
			for _, group := range groups {
				for _, v := range bytesVals {
					want := Header{
						Op:     op,
						Flags:  v,
						Length: length,
						Group:  group,
						Seq:    255 - v,
						ID:     v,
					}
					got, err := DecodeHeader(want.Encode())
					if err != nil {
						t.Fatalf("DecodeHeader(%v): %v", want, err)
					}
					if got != want {
						t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
					}
				}
			}
		}
	}
}

func TestHeaderEncodeLayout(t *testing.T) {
	h := Header{Op: OpWrite, Flags: 0x01, Length: 0x0102, Group: GroupImage, Seq: 7, ID: 1}
	want := []byte{0x02, 0x01, 0x01, 0x02, 0x00, 0x01, 0x07, 0x01}
	if got := h.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("Encode = % x, want % x", got, want)
	}
}

func TestHeaderVersionBits(t *testing.T) {
	h := Header{Version: Version2, Op: OpRead, Group: GroupDefault}
	b := h.Encode()
	if b[0] != 0x08 {
		t.Fatalf("byte 0 = 0x%02x, want 0x08", b[0])
	}
	got, err := DecodeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != Version2 || got.Op != OpRead {
		t.Fatalf("decoded version=%d op=%s", got.Version, got.Op)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := DecodeHeader(make([]byte, n))
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("len %d: err = %v, want ErrMalformedHeader", n, err)
		}
	}
}

func TestOpResponse(t *testing.T) {
	if OpRead.Response() != OpReadRsp || OpWrite.Response() != OpWriteRsp {
		t.Fatal("request ops must map to their response ops")
	}
}
