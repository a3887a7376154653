package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("transfer started", KeyURL, "http://example.com/a.mp4", KeyOffset, 2048)

	out := buf.String()
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("expected level marker in output, got %q", out)
	}
	if !strings.Contains(out, "transfer started") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "url=http://example.com/a.mp4") {
		t.Errorf("expected url field in output, got %q", out)
	}
	if !strings.Contains(out, "offset=2048") {
		t.Errorf("expected offset field in output, got %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("flush", KeyBytes, 4096)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if rec["msg"] != "flush" {
		t.Errorf("expected msg=flush, got %v", rec["msg"])
	}
	if rec["bytes"] != float64(4096) {
		t.Errorf("expected bytes=4096, got %v", rec["bytes"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("hidden debug")
	Info("hidden info")
	Warn("visible warn")
	Error("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("low-severity records leaked through filter: %q", out)
	}
	if !strings.Contains(out, "visible warn") || !strings.Contains(out, "visible error") {
		t.Errorf("expected warn and error records, got %q", out)
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	SetLevel("NOISY")
	Info("still info")

	if !strings.Contains(buf.String(), "still info") {
		t.Error("invalid level should leave configuration untouched")
	}
}
