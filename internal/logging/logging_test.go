package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, false)

	l.Info("upload created", map[string]any{"uploadURI": "/files/abc"})

	out := buf.String()
	if !strings.Contains(out, "upload created") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "uploadURI=/files/abc") {
		t.Errorf("expected field in output, got %q", out)
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, true)

	l.Error("promotion failed", map[string]any{"uploadURI": "/files/abc"}, errDummy)

	var e entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("expected valid JSON, got error: %v (%s)", err, buf.String())
	}
	if e.Level != LevelError || e.Message != "promotion failed" || e.Error == "" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, false)

	l.Debug("should be suppressed", nil)
	l.Info("should also be suppressed", nil)
	if buf.Len() != 0 {
		t.Errorf("expected no output below min level, got %q", buf.String())
	}

	l.Warn("should appear", nil)
	if buf.Len() == 0 {
		t.Error("expected output at min level")
	}
}

var errDummy = dummyErr("boom")

type dummyErr string

func (e dummyErr) Error() string { return string(e) }
