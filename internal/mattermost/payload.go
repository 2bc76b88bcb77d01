package mattermost

import (
	"fmt"
	"sort"
	"strings"
)

// Payload is the assembled notification record for one qualifying
// message. It is rendered as the Mattermost post text and attached
// verbatim as post props so downstream integrations can consume the
// structured form. Immutable once built.
type Payload struct {
	// MessageID is the mail Message-ID header (no angle brackets), or a
	// synthesized folder/epoch/UID identifier when the header is absent.
	MessageID string `json:"message_id"`

	// Folder is the mailbox the message was scanned from.
	Folder string `json:"folder"`

	// Subject is the decoded, scrubbed subject line.
	Subject string `json:"subject"`

	// From is the sender address.
	From string `json:"from"`

	// To and Cc are the recipient address lists.
	To []string `json:"to,omitempty"`
	Cc []string `json:"cc,omitempty"`

	// Date is the ISO-8601 message date, omitted when unparseable.
	Date string `json:"date,omitempty"`

	// MIMEType and Body describe the emitted body part.
	MIMEType string `json:"mime_type"`
	Body     string `json:"body"`

	// Matches holds the named capture groups from the rule regexes.
	Matches map[string]string `json:"matches,omitempty"`

	// HasAttachment reports whether the message carries attachments.
	HasAttachment bool `json:"has_attachment"`

	// Raw is the base64-encoded full message, present only when raw
	// export is configured.
	Raw string `json:"raw,omitempty"`

	// Headers is the exported header subset with normalized keys.
	Headers map[string]string `json:"headers,omitempty"`
}

// RenderMarkdown formats the payload as the Mattermost post text.
func (p *Payload) RenderMarkdown() string {
	var sb strings.Builder

	subject := p.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	fmt.Fprintf(&sb, "#### %s\n", subject)
	fmt.Fprintf(&sb, "**From:** %s · **Folder:** %s", p.From, p.Folder)
	if p.Date != "" {
		fmt.Fprintf(&sb, " · **Date:** %s", p.Date)
	}
	sb.WriteString("\n")

	if len(p.Matches) > 0 {
		keys := make([]string, 0, len(p.Matches))
		for k := range p.Matches {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("**Matches:** ")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=`%s`", k, p.Matches[k])
		}
		sb.WriteString("\n")
	}

	if p.Body != "" {
		sb.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(p.Body, "\n"), "\n") {
			sb.WriteString("> ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}
