package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	Init("warn", "text")
	var buf bytes.Buffer
	SetOutput(&buf)

	Info("should not appear")
	Warn("disk at %d%%", 91)

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("info line leaked through warn level: %q", out)
	}
	if !strings.Contains(out, "disk at 91%") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestJSONFieldsAndError(t *testing.T) {
	Init("debug", "json")
	var buf bytes.Buffer
	SetOutput(&buf)

	WithFields(Fields{"symbol": "BTCUSDT"}).WithError(errors.New("timeout")).Error("fetch failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["message"] != "fetch failed" {
		t.Errorf("message = %v", line["message"])
	}
	if line["symbol"] != "BTCUSDT" {
		t.Errorf("symbol = %v", line["symbol"])
	}
	if line["error"] != "timeout" {
		t.Errorf("error = %v", line["error"])
	}
}

func TestRotateWithoutFile(t *testing.T) {
	Init("info", "text")
	if err := Rotate(); err != nil {
		t.Errorf("Rotate without file output: %v", err)
	}
}
