package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/vitaminmoo/smp-tool/internal/config"
)

func TestFileOutput(t *testing.T) {
	tests := []struct {
		name     string
		rotation bool
	}{
		{"plain", false},
		{"rotated", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "logs", "smp.log")
			c := config.LogConfig{
				Level:   "info",
				Format:  "json",
				Outputs: []string{path},
				Rotation: config.RotationConfig{
					Enable:   tt.rotation,
					Filename: path,
				},
			}
			logger, err := SetupLogger(c, false)
			if err != nil {
				t.Fatal(err)
			}
			defer zap.ReplaceGlobals(zap.NewNop())

			logger.Debug("hidden")
			logger.Info("upload started", zap.Int("bytes", 42))
			logger.Sync()

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			out := string(data)
			if !strings.Contains(out, `"msg":"upload started"`) || !strings.Contains(out, `"bytes":42`) {
				t.Fatalf("log file = %s", out)
			}
			if strings.Contains(out, "hidden") {
				t.Fatal("debug entry written at info level")
			}
		})
	}
}

func TestVerboseForcesDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smp.log")
	logger, err := SetupLogger(config.LogConfig{Level: "error", Outputs: []string{path}}, true)
	if err != nil {
		t.Fatal(err)
	}
	defer zap.ReplaceGlobals(zap.NewNop())

	config.Verbose = true
	defer func() { config.Verbose = false }()
	config.Debugf("seq %d", 7)
	logger.Sync()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "seq 7") {
		t.Fatalf("log file = %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("WARNING") != zap.WarnLevel || parseLevel("debug") != zap.DebugLevel || parseLevel("") != zap.WarnLevel {
		t.Fatal("parseLevel mapping")
	}
}
