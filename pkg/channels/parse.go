package channels

import (
	"regexp"
	"strings"
)

// sessionTagRe matches an explicit session tag at the start of a reply:
// "[abc123] Y". The tag is the host-supplied session id (or a prefix of
// it long enough to be unique).
var sessionTagRe = regexp.MustCompile(`^\s*\[([A-Za-z0-9_-]+)\]\s*(.*)$`)

// ExtractSessionTag pulls an explicit session tag off the front of a
// reply. Returns the tag, the remaining text, and whether a tag was found.
func ExtractSessionTag(text string) (tag, rest string, ok bool) {
	m := sessionTagRe.FindStringSubmatch(text)
	if m == nil {
		return "", text, false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

// StripQuotedReply removes quoted original text and signatures from an
// email reply body, keeping only what the human typed. Handles the
// common "On <date>, <sender> wrote:" attribution line, "> " quote
// prefixes, "-- " signature separators, and Outlook-style forwarded
// headers.
func StripQuotedReply(body string) string {
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if trimmed == "--" || trimmed == "-- " {
			break
		}
		if attributionLine(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, "-----Original Message-----") ||
			strings.HasPrefix(trimmed, "________________________________") {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// attributionLine detects the "On Mon, Jan 2 ... wrote:" line that
// precedes quoted text in most mail clients.
func attributionLine(line string) bool {
	if !strings.HasSuffix(line, "wrote:") {
		return false
	}
	return strings.HasPrefix(line, "On ") || strings.HasPrefix(line, "Am ") ||
		strings.HasPrefix(line, "Le ") || strings.HasPrefix(line, "El ")
}

// NormalizeSender lowercases and trims a sender identity for allow-list
// comparison. Email addresses additionally drop a display-name wrapper.
func NormalizeSender(from string) string {
	from = strings.TrimSpace(strings.ToLower(from))
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.LastIndex(from, ">"); j > i {
			from = from[i+1 : j]
		}
	}
	return from
}
