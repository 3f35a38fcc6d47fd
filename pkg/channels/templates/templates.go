// Package templates provides YAML-defined notification formatting.
//
// A template maps a hook event kind to the subject and body sent over
// the channels, so deployments can reword notifications without
// touching Go code. Bodies are text/template strings over the outbound
// notification fields. Missing or unparseable files fall back to the
// built-in defaults; a present-but-broken template is reported, not
// silently skipped.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/sipeed/picobridge/pkg/bus"
	"github.com/sipeed/picobridge/pkg/domain"
)

// NotificationTemplate is the YAML schema for one event kind's wording.
type NotificationTemplate struct {
	Event   string `yaml:"event"`   // hook event kind this template applies to
	Subject string `yaml:"subject"` // short line (mail subject, SMS prefix)
	Body    string `yaml:"body"`    // full message body

	// Source metadata (set by loader, not in YAML)
	SourceFile string `yaml:"-"`
	Builtin    bool   `yaml:"-"`

	subjectTmpl *template.Template
	bodyTmpl    *template.Template
}

// renderContext is what templates can reference.
type renderContext struct {
	SessionID string
	Event     string
	Title     string
	Message   string
	Metadata  map[string]string
}

func (t *NotificationTemplate) compile() error {
	var err error
	t.subjectTmpl, err = template.New(t.Event + ".subject").Parse(t.Subject)
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	t.bodyTmpl, err = template.New(t.Event + ".body").Parse(t.Body)
	if err != nil {
		return fmt.Errorf("body: %w", err)
	}
	return nil
}

// Render produces the subject and body for a notification.
func (t *NotificationTemplate) Render(n bus.ChannelNotification) (subject, body string, err error) {
	ctx := renderContext{
		SessionID: n.SessionID,
		Event:     n.Event.String(),
		Title:     n.Title,
		Message:   n.Message,
		Metadata:  n.Metadata,
	}
	var sb, bb strings.Builder
	if err := t.subjectTmpl.Execute(&sb, ctx); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if err := t.bodyTmpl.Execute(&bb, ctx); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return sb.String(), bb.String(), nil
}

// Registry is a thread-safe store of loaded templates keyed by event kind.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*NotificationTemplate
}

// NewRegistry creates a registry pre-filled with the built-in defaults.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*NotificationTemplate)}
	for _, t := range builtinTemplates() {
		r.templates[t.Event] = t
	}
	return r
}

// Load reads all *.yaml files from dir, replacing built-ins for the
// event kinds they cover. Errors in individual files are returned but
// don't abort loading the rest.
func (r *Registry) Load(dir string) (int, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, []error{fmt.Errorf("cannot read template dir %s: %w", dir, err)}
	}

	loaded := 0
	var errs []error

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		tmpl, err := LoadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", e.Name(), err))
			continue
		}
		r.Register(tmpl)
		loaded++
	}

	return loaded, errs
}

// LoadFile parses and compiles a single YAML template file.
func LoadFile(path string) (*NotificationTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tmpl NotificationTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if tmpl.Event == "" {
		return nil, fmt.Errorf("template at %s has no 'event' field", path)
	}
	if !domain.EventKind(tmpl.Event).Valid() {
		return nil, fmt.Errorf("template '%s': unknown event kind %q", path, tmpl.Event)
	}
	if tmpl.Body == "" {
		return nil, fmt.Errorf("template '%s' has no 'body' field", tmpl.Event)
	}
	if err := tmpl.compile(); err != nil {
		return nil, fmt.Errorf("template '%s': %w", tmpl.Event, err)
	}
	tmpl.SourceFile = path
	return &tmpl, nil
}

// Register adds or replaces the template for its event kind.
func (r *Registry) Register(tmpl *NotificationTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tmpl.Event] = tmpl
}

// Render formats a notification using the template for its event kind,
// falling back to the generic default when the kind has none.
func (r *Registry) Render(n bus.ChannelNotification) (subject, body string, err error) {
	r.mu.RLock()
	tmpl, ok := r.templates[n.Event.String()]
	if !ok {
		tmpl = r.templates[""]
	}
	r.mu.RUnlock()
	return tmpl.Render(n)
}

// Count returns the number of registered templates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

func builtinTemplates() []*NotificationTemplate {
	raw := []*NotificationTemplate{
		{
			Event:   "",
			Subject: "[{{.SessionID}}] {{.Title}}",
			Body:    "[{{.SessionID}}] {{.Title}}\n\n{{.Message}}\n\nReply with [{{.SessionID}}] <text> to answer.",
			Builtin: true,
		},
		{
			Event:   domain.EventPreToolUse.String(),
			Subject: "[{{.SessionID}}] Approval required: {{.Title}}",
			Body:    "[{{.SessionID}}] {{.Title}}\n\n{{.Message}}\n\nReply [{{.SessionID}}] Y to approve or [{{.SessionID}}] N to deny.",
			Builtin: true,
		},
		{
			Event:   domain.EventStop.String(),
			Subject: "[{{.SessionID}}] Session finished: {{.Title}}",
			Body:    "[{{.SessionID}}] {{.Title}}\n\n{{.Message}}",
			Builtin: true,
		},
	}
	for _, t := range raw {
		if err := t.compile(); err != nil {
			panic(fmt.Sprintf("templates: builtin %q: %v", t.Event, err))
		}
	}
	return raw
}
