package channels

import "testing"

func TestExtractSessionTag(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantTag  string
		wantRest string
		wantOK   bool
	}{
		{"simple approval", "[abc] Y", "abc", "Y", true},
		{"leading space", "  [m1] looks good", "m1", "looks good", true},
		{"hyphenated id", "[run-42_b] deny", "run-42_b", "deny", true},
		{"no tag", "Y", "", "Y", false},
		{"tag mid-text ignored", "sure [abc] Y", "", "sure [abc] Y", false},
		{"empty brackets", "[] Y", "", "[] Y", false},
		{"tag only", "[abc]", "abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, rest, ok := ExtractSessionTag(tt.text)
			if tag != tt.wantTag || rest != tt.wantRest || ok != tt.wantOK {
				t.Errorf("ExtractSessionTag(%q) = %q,%q,%v; want %q,%q,%v",
					tt.text, tag, rest, ok, tt.wantTag, tt.wantRest, tt.wantOK)
			}
		})
	}
}

func TestStripQuotedReply(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"gmail style",
			"Y\n\nOn Mon, Jan 2, 2026 at 9:00 AM Bridge <bridge@example.com> wrote:\n> Tool: Bash\n> Approve?",
			"Y",
		},
		{
			"quote prefixes only",
			"approved\n> original line one\n> original line two",
			"approved",
		},
		{
			"signature separator",
			"N\n-- \nSent from my phone",
			"N",
		},
		{
			"outlook original message",
			"yes\n-----Original Message-----\nFrom: bridge",
			"yes",
		},
		{
			"plain reply untouched",
			"run it, but with --dry-run first",
			"run it, but with --dry-run first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripQuotedReply(tt.body); got != tt.want {
				t.Errorf("StripQuotedReply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeSender(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User <User@Example.COM>", "user@example.com"},
		{"  user@example.com ", "user@example.com"},
		{"+15551234567", "+15551234567"},
		{"Display Name <a@b.c>", "a@b.c"},
	}

	for _, tt := range tests {
		if got := NormalizeSender(tt.in); got != tt.want {
			t.Errorf("NormalizeSender(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
