package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupWritesRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup(Options{Service: "escrowd", Env: "test", Level: "debug", Output: &buf})
	defer closer.Close()

	logger.Debug("hello", slog.String("ref", "0x01/1"))
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env", "ref"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing key %q in %v", key, line)
		}
	}
	if line["severity"] != "DEBUG" || line["service"] != "escrowd" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestSetupHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup(Options{Service: "escrowd", Level: "warn", Output: &buf})
	defer closer.Close()
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
}

func TestSetupRotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "escrowd.log")
	logger, closer := Setup(Options{Service: "escrowd", File: path, MaxSizeMB: 1, Output: &buf})
	logger.Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("to file")) {
		t.Fatalf("log file missing line: %s", data)
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("signature", "0xdeadbeef"); got.Value.String() != RedactedValue {
		t.Fatalf("signature must be redacted, got %s", got.Value)
	}
	if got := MaskField("ref", "0x01/1"); got.Value.String() != "0x01/1" {
		t.Fatalf("allowlisted key redacted")
	}
	if got := MaskField("keystore", ""); got.Value.String() != "" {
		t.Fatalf("empty values stay empty")
	}
}
