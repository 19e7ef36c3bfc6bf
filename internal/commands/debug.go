package commands

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
	"github.com/vitaminmoo/smp-tool/internal/util"
)

// EncodePacket builds a request packet and prints it as a hex dump.
func EncodePacket(scheme protocol.Scheme, write bool, group string, id uint8, payload string) error {
	g, err := ParseGroup(group)
	if err != nil {
		return err
	}
	p, err := ParsePayload(payload)
	if err != nil {
		return err
	}
	cmd := protocol.Command{Op: protocol.OpRead, Group: g, ID: id}
	if write {
		cmd.Op = protocol.OpWrite
	}
	pkt, err := protocol.Build(scheme, cmd.Header(0), p)
	if err != nil {
		return err
	}
	fmt.Printf("%s, %d bytes\n", cmd, len(pkt))
	fmt.Print(util.HexDump(pkt))
	return nil
}

// DecodePackets decodes captured packets, one hex string per line. A line
// may carry leading tab-separated columns such as a frame number and
// direction; the last column is the packet.
func DecodePackets(filename string, scheme protocol.Scheme) error {
	var in io.Reader = os.Stdin
	if filename != "-" {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum, ok, failed := 0, 0, 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Split(line, "\t")
		label := fmt.Sprintf("Line %d", lineNum)
		if len(cols) > 1 {
			label = strings.Join(cols[:len(cols)-1], " ")
		}

		data, err := hex.DecodeString(strings.ReplaceAll(cols[len(cols)-1], " ", ""))
		if err != nil {
			fmt.Printf("%s: hex decode error: %v\n", label, err)
			failed++
			continue
		}
		summary, err := describePacket(scheme, data)
		if err != nil {
			fmt.Printf("%s: %v\n", label, err)
			failed++
			continue
		}
		fmt.Printf("%s: %s\n", label, summary)
		ok++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read capture: %w", err)
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Decoded: %d\n", ok)
	fmt.Printf("Failed:  %d\n", failed)
	return nil
}

// describePacket renders one packet as its header and payload fields.
func describePacket(scheme protocol.Scheme, data []byte) (string, error) {
	var h protocol.Header
	var body map[string]any
	var err error
	if scheme.IsCoap() {
		if body, err = protocol.DecodeMap(data); err != nil {
			return "", err
		}
		hb, _ := body[protocol.HeaderKey].([]byte)
		if h, err = protocol.DecodeHeader(hb); err != nil {
			return "", err
		}
		delete(body, protocol.HeaderKey)
	} else {
		if h, err = protocol.DecodeHeader(data); err != nil {
			return "", err
		}
		rest := data[protocol.HeaderSize:]
		if int(h.Length) > len(rest) {
			return "", fmt.Errorf("%s: truncated, %d of %d payload bytes", h, len(rest), h.Length)
		}
		if body, err = protocol.DecodeMap(rest[:h.Length]); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	b.WriteString(h.String())
	for _, k := range sortedKeys(body) {
		fmt.Fprintf(&b, " %s=%s", k, describeValue(body[k]))
	}
	return b.String(), nil
}

func describeValue(v any) string {
	data, ok := v.([]byte)
	if !ok {
		return fmt.Sprint(v)
	}
	if util.IsTextData(data) {
		return fmt.Sprintf("%q", data)
	}
	if len(data) > 32 {
		return fmt.Sprintf("%x... (%d bytes)", data[:32], len(data))
	}
	return fmt.Sprintf("%x", data)
}
