package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "debug", Format: "json", Writer: &buf})
	t.Cleanup(func() { Setup(Options{Level: "info", Format: "console"}) })

	Error("store write failed", errors.New("disk full"), "op", "create", "attempt", 2, 99)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("not json: %q: %v", buf.String(), err)
	}
	if line["level"] != "error" || line["message"] != "store write failed" {
		t.Fatalf("unexpected line %v", line)
	}
	if line["error"] != "disk full" || line["op"] != "create" || line["attempt"] != float64(2) {
		t.Fatalf("missing fields in %v", line)
	}
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "debug", Format: "json", Writer: &buf})
	t.Cleanup(func() { Setup(Options{Level: "info", Format: "console"}) })

	SetLevel(LevelError)
	Info("hidden")
	Debug("hidden too")
	Warn("also hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below error, got %q", buf.String())
	}

	SetLevel(LevelDebug)
	Debug("shown", "k", "v")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug line missing: %q", buf.String())
	}
}
