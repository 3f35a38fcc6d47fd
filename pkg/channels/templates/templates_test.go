package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/domain"
)

func sampleNotification() bus.ChannelNotification {
	return bus.ChannelNotification{
		SessionID: "abc",
		Event:     domain.EventPreToolUse,
		Title:     "Tool: Bash",
		Message:   "rm -rf ./build, approve?",
	}
}

func TestBuiltinRender(t *testing.T) {
	r := NewRegistry()

	subject, body, err := r.Render(sampleNotification())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(subject, "[abc]") {
		t.Errorf("subject missing session tag: %q", subject)
	}
	if !strings.Contains(body, "Tool: Bash") || !strings.Contains(body, "[abc] Y") {
		t.Errorf("body missing expected content: %q", body)
	}
}

func TestUnknownEventFallsBackToDefault(t *testing.T) {
	r := NewRegistry()

	n := sampleNotification()
	n.Event = domain.EventUserPromptSubmit

	_, body, err := r.Render(n)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "[abc]") {
		t.Errorf("default template must still tag the session: %q", body)
	}
}

func TestLoadOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	custom := `event: pre_tool_use
subject: "APPROVE {{.Title}}"
body: "session {{.SessionID}}: {{.Message}}"
`
	if err := os.WriteFile(filepath.Join(dir, "approval.yaml"), []byte(custom), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	n, errs := r.Load(dir)
	if len(errs) > 0 {
		t.Fatalf("Load errors: %v", errs)
	}
	if n != 1 {
		t.Fatalf("loaded %d templates, want 1", n)
	}

	subject, body, err := r.Render(sampleNotification())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if subject != "APPROVE Tool: Bash" {
		t.Errorf("subject = %q", subject)
	}
	if body != "session abc: rm -rf ./build, approve?" {
		t.Errorf("body = %q", body)
	}
}

func TestLoadRejectsBadTemplates(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing event", "subject: s\nbody: b\n"},
		{"unknown event", "event: bogus\nbody: b\n"},
		{"missing body", "event: stop\nsubject: s\n"},
		{"broken template", "event: stop\nbody: \"{{.Nope\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "t.yaml"), []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			r := NewRegistry()
			n, errs := r.Load(dir)
			if n != 0 || len(errs) == 0 {
				t.Errorf("expected load failure, got n=%d errs=%v", n, errs)
			}
		})
	}
}

func TestLoadMissingDirIsQuiet(t *testing.T) {
	r := NewRegistry()
	n, errs := r.Load(filepath.Join(t.TempDir(), "nope"))
	if n != 0 || len(errs) != 0 {
		t.Errorf("missing dir must load nothing quietly, got n=%d errs=%v", n, errs)
	}
}
