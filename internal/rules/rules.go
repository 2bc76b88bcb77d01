// Package rules compiles and evaluates the declarative message filter.
// A rule set is compiled once from configuration — bad regexes and globs
// are rejected before a run ever connects — and evaluated per message
// with AND semantics: every configured, non-empty condition must pass.
// Regex conditions contribute named capture groups to the result; the
// body condition additionally selects which body part is emitted.
package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/message"
)

// Kind identifies a condition type.
type Kind string

// Known condition kinds.
const (
	KindSubject       Kind = "subject"
	KindBody          Kind = "body"
	KindFrom          Kind = "from"
	KindTo            Kind = "to"
	KindCc            Kind = "cc"
	KindHasAttachment Kind = "has_attachment"
	KindIsUnread      Kind = "is_unread"
)

// evalOrder fixes the evaluation sequence: header-only checks first,
// then the attachment flag (one structure fetch), the body last (full
// message fetch). Short-circuiting on a cheap failure avoids the
// expensive round-trips entirely.
var evalOrder = []Kind{
	KindSubject, KindFrom, KindTo, KindCc,
	KindIsUnread, KindHasAttachment, KindBody,
}

// addressField maps address condition kinds to their header fields.
var addressField = map[Kind]string{
	KindFrom: "From",
	KindTo:   "To",
	KindCc:   "Cc",
}

// condition is the compiled tagged variant for one kind: exactly one of
// regex, globs, or boolean payload is set, selected by Kind.
type condition struct {
	kind     Kind
	regex    *regexp.Regexp
	patterns []string
	globs    []glob.Glob
	boolean  bool
}

// Set is a compiled, immutable rule set.
type Set struct {
	conds   map[Kind]*condition
	unknown []string
}

// Empty reports whether no conditions are configured. An empty set
// passes every message.
func (s *Set) Empty() bool {
	return len(s.conds) == 0
}

// Compile builds a Set from the raw configuration mapping. Values may
// be strings (regex or single glob), string lists (glob alternatives),
// booleans, or nil (ignore). Unknown kinds are retained only to be
// logged at evaluation time, keeping old configs forward-compatible.
func Compile(raw map[string]any) (*Set, error) {
	s := &Set{conds: make(map[Kind]*condition)}

	for key, value := range raw {
		if value == nil {
			continue
		}
		kind := Kind(key)
		switch kind {
		case KindSubject, KindBody:
			pattern, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%s: expected a regex string, got %T", key, value)
			}
			if pattern == "" {
				continue
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			s.conds[kind] = &condition{kind: kind, regex: re}

		case KindFrom, KindTo, KindCc:
			patterns, err := stringList(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if len(patterns) == 0 {
				continue
			}
			cond := &condition{kind: kind, patterns: patterns}
			for _, p := range patterns {
				// Compiled lowercased; matching lowercases the address,
				// making the glob case-insensitive.
				g, err := glob.Compile(strings.ToLower(p))
				if err != nil {
					return nil, fmt.Errorf("%s: pattern %q: %w", key, p, err)
				}
				cond.globs = append(cond.globs, g)
			}
			s.conds[kind] = cond

		case KindHasAttachment, KindIsUnread:
			b, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: expected a boolean, got %T", key, value)
			}
			s.conds[kind] = &condition{kind: kind, boolean: b}

		default:
			s.unknown = append(s.unknown, key)
		}
	}

	return s, nil
}

// stringList coerces a YAML value that may be a single string or a
// sequence of strings.
func stringList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a pattern or list of patterns, got %T", value)
	}
}

// Message is what the evaluator needs from a message view.
type Message interface {
	Subject() string
	AddressStrings(field string) ([]string, error)
	BodyParts(prefs []string) ([]message.Part, error)
	HasAttachment() (bool, error)
	Unread() bool
}

// Result is the outcome of evaluating a rule set against one message.
type Result struct {
	// Match reports whether every configured condition passed.
	Match bool

	// Captures holds the merged named capture groups from the subject
	// and body regexes.
	Captures map[string]string

	// Body is the part to emit: the part matched by the body condition,
	// else the first preference-ordered candidate part, else an empty
	// text/plain part.
	Body message.Part
}

// Evaluate runs the rule set against one message. mimeTypes is the body
// part preference order. A failed condition yields Match=false and a nil
// error; an error is returned only when a required protocol round-trip
// (structure or raw fetch) fails, which the caller treats as a
// per-message failure.
func (s *Set) Evaluate(m Message, mimeTypes []string, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, kind := range s.unknown {
		logger.Warn("ignoring unknown condition kind", "kind", kind)
	}

	res := &Result{Captures: make(map[string]string)}
	bodySelected := false

	for _, kind := range evalOrder {
		cond, ok := s.conds[kind]
		if !ok {
			continue
		}

		switch kind {
		case KindSubject:
			caps, ok := matchRegex(cond.regex, m.Subject())
			if !ok {
				return res, nil
			}
			mergeCaptures(res.Captures, caps)

		case KindFrom, KindTo, KindCc:
			addrs, err := m.AddressStrings(addressField[kind])
			if err != nil {
				// Malformed header: the condition fails, the scan goes on.
				logger.Debug("address condition failed to parse header",
					"kind", kind, "error", err)
				return res, nil
			}
			if !anyAddressMatches(cond.globs, addrs) {
				return res, nil
			}

		case KindIsUnread:
			// Enforced upstream by the scanner's read-state filter; by
			// the time a message reaches evaluation it already complies.

		case KindHasAttachment:
			has, err := m.HasAttachment()
			if err != nil {
				return nil, err
			}
			if has != cond.boolean {
				return res, nil
			}

		case KindBody:
			parts, err := m.BodyParts(mimeTypes)
			if err != nil {
				return nil, err
			}
			matched := false
			for _, part := range parts {
				caps, ok := matchRegex(cond.regex, part.Text)
				if !ok {
					continue
				}
				mergeCaptures(res.Captures, caps)
				res.Body = part
				bodySelected = true
				matched = true
				break
			}
			if !matched {
				return res, nil
			}
		}
	}

	res.Match = true

	if !bodySelected {
		parts, err := m.BodyParts(mimeTypes)
		if err != nil {
			return nil, err
		}
		if len(parts) > 0 {
			res.Body = parts[0]
		} else {
			res.Body = message.Part{Type: "text/plain"}
		}
	}

	return res, nil
}

// matchRegex matches text and extracts named capture groups.
func matchRegex(re *regexp.Regexp, text string) (map[string]string, bool) {
	groups := re.FindStringSubmatch(text)
	if groups == nil {
		return nil, false
	}
	caps := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if i > 0 && name != "" {
			caps[name] = groups[i]
		}
	}
	return caps, true
}

// anyAddressMatches reports whether any extracted address matches any
// glob pattern (patterns are OR'd).
func anyAddressMatches(globs []glob.Glob, addrs []string) bool {
	for _, addr := range addrs {
		lowered := strings.ToLower(addr)
		for _, g := range globs {
			if g.Match(lowered) {
				return true
			}
		}
	}
	return false
}

func mergeCaptures(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
