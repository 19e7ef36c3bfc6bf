package util

import "testing"

func TestHexDump(t *testing.T) {
	got := HexDump([]byte("SMP\x00\x01"))
	want := "0000  53 4d 50 00 01                                    |SMP..|\n"
	if got != want {
		t.Fatalf("HexDump =\n%q\nwant\n%q", got, want)
	}
	if HexDump(nil) != "" {
		t.Fatal("empty input should give empty dump")
	}
}

func TestIsTextData(t *testing.T) {
	tests := []struct {
		in   []byte
		want bool
	}{
		{[]byte("boot ok\r\n"), true},
		{[]byte{0x00, 0x41}, false},
		{[]byte{0xff}, false},
	}
	for _, tt := range tests {
		if got := IsTextData(tt.in); got != tt.want {
			t.Errorf("IsTextData(%q) = %v", tt.in, got)
		}
	}
}
