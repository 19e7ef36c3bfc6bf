package protocol

import (
	"bytes"
	"testing"
)

func testPayloads() []map[string]any {
	return []map[string]any{
		nil,
		{},
		{"d": "hello"},
		{"off": uint64(0), "data": bytes.Repeat([]byte{0xab}, 300), "len": uint64(10000)},
		{"name": "/lfs/file.txt", "nested": map[string]any{"a": []any{uint64(1), "two"}}},
		{"big": bytes.Repeat([]byte{1}, 70000)[:60000]},
	}
}

func TestBuildStandardLength(t *testing.T) {
	for i, payload := range testPayloads() {
		packet, err := Build(SchemeStandard, Header{Op: OpWrite, Group: GroupImage, ID: 1, Seq: 3}, payload)
		if err != nil {
			t.Fatalf("case %d: Build: %v", i, err)
		}
		h, err := DecodeHeader(packet)
		if err != nil {
			t.Fatalf("case %d: DecodeHeader: %v", i, err)
		}
		if int(h.Length) != len(packet)-HeaderSize {
			t.Errorf("case %d: header length %d, payload %d bytes", i, h.Length, len(packet)-HeaderSize)
		}
		enc, err := CBOR.Marshal(nonNil(payload))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(packet[HeaderSize:], enc) {
			t.Errorf("case %d: payload bytes differ from serialized map", i)
		}
	}
}

func TestBuildCoapLength(t *testing.T) {
	for _, scheme := range []Scheme{SchemeCoapBLE, SchemeCoapUDP} {
		for i, payload := range testPayloads() {
			wire, err := Build(scheme, Header{Op: OpRead, Group: GroupLogs, ID: 0, Seq: 9}, payload)
			if err != nil {
				t.Fatalf("%s case %d: Build: %v", scheme, i, err)
			}
			m, err := DecodeMap(wire)
			if err != nil {
				t.Fatalf("%s case %d: DecodeMap: %v", scheme, i, err)
			}
			raw, ok := m[HeaderKey].([]byte)
			if !ok {
				t.Fatalf("%s case %d: missing %q", scheme, i, HeaderKey)
			}
			h, err := DecodeHeader(raw)
			if err != nil {
				t.Fatal(err)
			}
			enc, _ := CBOR.Marshal(nonNil(payload))
			if int(h.Length) != len(enc) {
				t.Errorf("%s case %d: header length %d, want %d", scheme, i, h.Length, len(enc))
			}
			if h.Group != GroupLogs || h.Seq != 9 {
				t.Errorf("%s case %d: header %v", scheme, i, h)
			}
		}
	}
}

func TestBuildCoapKeepsCallerHeader(t *testing.T) {
	custom := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload := map[string]any{"d": "x", HeaderKey: custom}

	wire, err := Build(SchemeCoapUDP, Header{Op: OpWrite}, payload)
	if err != nil {
		t.Fatal(err)
	}
	m, err := DecodeMap(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got := m[HeaderKey].([]byte); !bytes.Equal(got, custom) {
		t.Fatalf("header key = % x, want caller's % x", got, custom)
	}
	if len(payload) != 2 {
		t.Fatal("caller's map was modified")
	}
}

func TestBuildStandardDropsHeaderKey(t *testing.T) {
	payload := map[string]any{"d": "x", HeaderKey: []byte{0}}
	packet, err := Build(SchemeStandard, Header{Op: OpWrite}, payload)
	if err != nil {
		t.Fatal(err)
	}
	m, err := DecodeMap(packet[HeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m[HeaderKey]; ok {
		t.Fatal("standard scheme payload must not carry the header key")
	}
	if _, ok := payload[HeaderKey]; !ok {
		t.Fatal("caller's map was modified")
	}
}

func TestBuildSerializationError(t *testing.T) {
	_, err := Build(SchemeStandard, Header{}, map[string]any{"ch": make(chan int)})
	if _, ok := err.(*SerializationError); !ok {
		t.Fatalf("err = %T %v, want *SerializationError", err, err)
	}
}

func TestParseScheme(t *testing.T) {
	tests := map[string]Scheme{
		"":         SchemeStandard,
		"standard": SchemeStandard,
		"coap-ble": SchemeCoapBLE,
		"COAP_UDP": SchemeCoapUDP,
	}
	for in, want := range tests {
		got, err := ParseScheme(in)
		if err != nil || got != want {
			t.Errorf("ParseScheme(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseScheme("http"); err == nil {
		t.Error("ParseScheme(http) should fail")
	}
}

func nonNil(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestAnswers(t *testing.T) {
	req, err := Build(SchemeStandard, Header{Op: OpWrite, Group: GroupImage, ID: 1, Seq: 7}, nil)
	if err != nil {
		t.Fatal(err)
	}
	same := Header{Op: OpWriteRsp, Group: GroupImage, ID: 1, Seq: 7}.Encode()
	other := Header{Op: OpWriteRsp, Group: GroupImage, ID: 1, Seq: 6}.Encode()

	if !Answers(req, same) {
		t.Error("reply with matching sequence should answer")
	}
	if Answers(req, other) {
		t.Error("reply with another sequence should not answer")
	}
	if !Answers(req, []byte{0x01, 0x02}) {
		t.Error("short frame should be left to the parser")
	}
}
