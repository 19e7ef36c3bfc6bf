package commands

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// PrintJSON pretty-prints JSON data. If indentation fails, prints raw.
func PrintJSON(data []byte) {
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, data, "", "  "); err != nil {
		fmt.Printf("Body: %s\n", string(data))
	} else {
		fmt.Println(prettyJSON.String())
	}
}

// PrintValue prints v as indented JSON. Byte strings are shown as hex.
func PrintValue(v any) error {
	data, err := json.Marshal(jsonSafe(v))
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	PrintJSON(data)
	return nil
}

// jsonSafe rewrites decoded CBOR values into shapes encoding/json accepts.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case []byte:
		return hex.EncodeToString(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = jsonSafe(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = jsonSafe(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = jsonSafe(val)
		}
		return out
	}
	return v
}

// ParseHash decodes a hex image hash, allowing an optional sha256: prefix.
func ParseHash(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "sha256:")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid hash: %d bytes, want 32", len(b))
	}
	return b, nil
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ConfirmAction prompts the user to type 'yes' to continue.
// Returns true if confirmed, false otherwise.
func ConfirmAction(prompt string) bool {
	fmt.Print(prompt)

	reader := bufio.NewReader(os.Stdin)
	confirm, _ := reader.ReadString('\n')
	confirm = strings.TrimSpace(confirm)

	return confirm == "yes"
}
