package mailkit

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConnectionLogger(t *testing.T) {
	var buf bytes.Buffer
	SetSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer SetLogger(nil)

	ConnectionLogger("mailkit/imap", 3, "INBOX").Info("selected")
	ConnectionLogger("mailkit/imap", -1, "").Debug("idle")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	for _, want := range []string{"component=mailkit/imap", "conn=3", "mailbox=INBOX", "msg=selected"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %q missing %q", lines[0], want)
		}
	}
	if strings.Contains(lines[1], "conn=") {
		t.Errorf("unexpected conn attr: %q", lines[1])
	}
}

func TestSlogLoggerNil(t *testing.T) {
	if SlogLogger(nil) != nil {
		t.Error("SlogLogger(nil) should be nil")
	}
	SetLogger(nil)
	if Log() == nil {
		t.Error("Log() returned nil after reset")
	}
}
