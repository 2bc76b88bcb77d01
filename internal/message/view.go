// Package message wraps one fetched mail message for condition
// evaluation and notification building. A View parses the header bytes
// eagerly but defers every expensive derived property — attachment
// presence (a BODYSTRUCTURE round-trip), the raw message (a full fetch),
// and the decoded MIME parts — until first access, memoizing each for
// the life of the view so repeated condition checks stay cheap.
package message

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Remote issues the secondary protocol round-trips a view needs. It is
// satisfied by the mailbox session.
type Remote interface {
	FetchAttachmentFlag(uid uint32) (bool, error)
	FetchRaw(uid uint32) ([]byte, error)
	MarkSeen(uid uint32) error
	Delete(uid uint32) error
}

// Part is one decoded, scrubbed text body part.
type Part struct {
	// Type is the lowercased MIME type (e.g., "text/plain").
	Type string

	// Text is the decoded part content, already scrubbed.
	Text string
}

// Attachment is one decoded attachment part.
type Attachment struct {
	Filename string
	Type     string
	Data     []byte
}

// View is a lazily-populated wrapper around one fetched message.
// It is not safe for concurrent use.
type View struct {
	uid    uint32
	folder string
	unread bool
	remote Remote
	logger *slog.Logger
	header mail.Header

	scrubMemo map[string]string

	attachFlag *bool

	raw        []byte
	rawFetched bool

	parsed      bool
	parseErr    error
	parts       []Part
	attachments []Attachment
}

// NewView parses the message's header bytes and returns a view bound to
// the session for lazy fetches. Unknown-charset warnings from the parser
// are tolerated; any other parse failure is an error.
func NewView(uid uint32, folder string, unread bool, headerBytes []byte, remote Remote, logger *slog.Logger) (*View, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entity, err := gomessage.Read(bytes.NewReader(headerBytes))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse header uid %d: %w", uid, err)
	}
	if entity == nil {
		return nil, fmt.Errorf("parse header uid %d: empty entity", uid)
	}

	return &View{
		uid:       uid,
		folder:    folder,
		unread:    unread,
		remote:    remote,
		logger:    logger,
		header:    mail.Header{Header: entity.Header},
		scrubMemo: make(map[string]string),
	}, nil
}

// UID returns the message's UID within the current folder epoch.
func (v *View) UID() uint32 { return v.uid }

// Folder returns the folder the message was scanned from.
func (v *View) Folder() string { return v.folder }

// Unread reports whether the message lacked \Seen at scan time.
func (v *View) Unread() bool { return v.unread }

// Subject returns the decoded, scrubbed subject line.
func (v *View) Subject() string {
	if memo, ok := v.scrubMemo["subject"]; ok {
		return memo
	}
	subject, err := v.header.Subject()
	if err != nil {
		// Undecodable encoded-words: fall back to the raw value.
		subject = v.header.Get("Subject")
	}
	scrubbed := Scrub(subject)
	v.scrubMemo["subject"] = scrubbed
	return scrubbed
}

// MessageID returns the Message-ID header without angle brackets, or
// empty if absent or unparseable.
func (v *View) MessageID() string {
	id, err := v.header.MessageID()
	if err != nil {
		return ""
	}
	return id
}

// AddressStrings extracts the bare addresses from an address-list header
// ("From", "To", "Cc"). An absent header yields an empty list; a
// malformed one yields an error for the caller to treat as a failed
// condition.
func (v *View) AddressStrings(field string) ([]string, error) {
	list, err := v.header.AddressList(field)
	if err != nil {
		return nil, fmt.Errorf("parse %s header: %w", field, err)
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out, nil
}

// Date returns the parsed Date header.
func (v *View) Date() (time.Time, error) {
	return v.header.Date()
}

// ExportHeaders returns the requested header fields as a map with keys
// normalized per style ("capitalized", "downcased" or "snakecased").
// Absent headers are omitted; values are decoded and scrubbed.
func (v *View) ExportHeaders(keys []string, style string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := v.header.Text(key)
		if err != nil {
			value = v.header.Get(key)
		}
		if value == "" {
			continue
		}
		out[NormalizeHeaderKey(key, style)] = Scrub(value)
	}
	return out
}

// NormalizeHeaderKey rewrites a header field name per the export style:
// "capitalized" → "List-Id", "downcased" → "list-id",
// "snakecased" → "list_id".
func NormalizeHeaderKey(key, style string) string {
	switch style {
	case "downcased":
		return strings.ToLower(key)
	case "snakecased":
		return strings.ReplaceAll(strings.ToLower(key), "-", "_")
	default:
		return textproto.CanonicalMIMEHeaderKey(key)
	}
}

// HasAttachment reports whether the message carries attachments. The
// first call issues a BODYSTRUCTURE fetch; the result is memoized.
func (v *View) HasAttachment() (bool, error) {
	if v.attachFlag != nil {
		return *v.attachFlag, nil
	}
	has, err := v.remote.FetchAttachmentFlag(v.uid)
	if err != nil {
		return false, err
	}
	v.attachFlag = &has
	return has, nil
}

// Raw returns the complete raw message bytes. The first call issues a
// full fetch; the result is memoized.
func (v *View) Raw() ([]byte, error) {
	if v.rawFetched {
		return v.raw, nil
	}
	raw, err := v.remote.FetchRaw(v.uid)
	if err != nil {
		return nil, err
	}
	v.raw = raw
	v.rawFetched = true
	return raw, nil
}

// BodyParts returns the message's text parts whose MIME type appears in
// prefs, sorted by preference order. Types absent from prefs are
// excluded entirely. The underlying MIME walk happens once.
func (v *View) BodyParts(prefs []string) ([]Part, error) {
	if err := v.ensureParsed(); err != nil {
		return nil, err
	}

	// Stable selection by preference keeps the original part order
	// within each MIME type.
	var out []Part
	for _, pref := range prefs {
		pref = strings.ToLower(pref)
		for _, p := range v.parts {
			if p.Type == pref {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// Attachments returns the message's attachment parts whose MIME type
// matches the allow-list. Entries are exact types or "type/*" wildcards;
// an empty list matches nothing.
func (v *View) Attachments(allow []string) ([]Attachment, error) {
	if len(allow) == 0 {
		return nil, nil
	}
	if err := v.ensureParsed(); err != nil {
		return nil, err
	}

	var out []Attachment
	for _, a := range v.attachments {
		if mimeTypeAllowed(a.Type, allow) {
			out = append(out, a)
		}
	}
	return out, nil
}

// mimeTypeAllowed reports whether mimeType matches any allow-list entry.
func mimeTypeAllowed(mimeType string, allow []string) bool {
	mimeType = strings.ToLower(mimeType)
	for _, entry := range allow {
		entry = strings.ToLower(entry)
		if entry == mimeType {
			return true
		}
		if prefix, ok := strings.CutSuffix(entry, "/*"); ok {
			if strings.HasPrefix(mimeType, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// MarkRead adds \Seen to the message on the server.
func (v *View) MarkRead() error {
	return v.remote.MarkSeen(v.uid)
}

// Delete removes the message on the server (flag and expunge).
func (v *View) Delete() error {
	return v.remote.Delete(v.uid)
}

// ensureParsed fetches the raw message and walks its MIME structure
// once, splitting inline text parts from attachments.
//
// The go-message library may return both a valid reader/part AND an
// error when the message uses an unknown charset or transfer encoding.
// Those are treated as non-fatal — the content may be slightly garbled
// but is still useful for matching.
func (v *View) ensureParsed() error {
	if v.parsed {
		return v.parseErr
	}
	v.parsed = true
	v.parseErr = v.parse()
	return v.parseErr
}

func (v *View) parse() error {
	raw, err := v.Raw()
	if err != nil {
		return err
	}

	mailReader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return fmt.Errorf("parse message uid %d: %w", v.uid, err)
	}
	if mailReader == nil {
		return fmt.Errorf("parse message uid %d: no reader", v.uid)
	}
	if err != nil {
		v.logger.Debug("charset warning parsing message", "uid", v.uid, "error", err)
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return fmt.Errorf("read part uid %d: %w", v.uid, err)
		}
		if part == nil {
			continue
		}
		if err != nil {
			v.logger.Debug("charset warning in part", "uid", v.uid, "error", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, err := h.ContentType()
			if err != nil {
				v.logger.Debug("unparseable part content type", "uid", v.uid, "error", err)
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				v.logger.Debug("error reading inline part", "uid", v.uid, "error", err)
				continue
			}
			v.parts = append(v.parts, Part{
				Type: strings.ToLower(contentType),
				Text: Scrub(string(body)),
			})

		case *mail.AttachmentHeader:
			contentType, _, err := h.ContentType()
			if err != nil {
				contentType = "application/octet-stream"
			}
			filename, err := h.Filename()
			if err != nil || filename == "" {
				filename = "attachment"
			}
			data, err := io.ReadAll(part.Body)
			if err != nil {
				v.logger.Debug("error reading attachment", "uid", v.uid, "error", err)
				continue
			}
			v.attachments = append(v.attachments, Attachment{
				Filename: filename,
				Type:     strings.ToLower(contentType),
				Data:     data,
			})
		}
	}

	return nil
}
