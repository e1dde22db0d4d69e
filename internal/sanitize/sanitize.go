// Package sanitize implements the InputSanitizer: a pure, side-effect-free
// validator and scrubber for inbound messages.
package sanitize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/manno23/a2agateway/internal/a2a"
)

// Limits configures the caps enforced by Sanitize. The zero value is not
// usable directly; use DefaultLimits or populate every field.
type Limits struct {
	MaxMessageIDLength int
	MaxPartsPerMessage int
	MaxTextLength      int
	MaxMessageLength   int
}

// DefaultLimits mirrors the defaults named in section 4.1.
var DefaultLimits = Limits{
	MaxMessageIDLength: 256,
	MaxPartsPerMessage: 100,
	MaxTextLength:      512 << 10,
	MaxMessageLength:   1 << 20,
}

// ValidationError names the first rule a message violated. It carries no
// other state; the sanitizer is pure and fails fast.
type ValidationError struct {
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation failed: %s", e.Rule)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Rule, e.Detail)
}

func fail(rule, detail string) error {
	return &ValidationError{Rule: rule, Detail: detail}
}

// controlChars matches null and ASCII control characters excluding tab,
// newline, carriage return.
var controlChars = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]")

// mimePattern matches a well-formed type/subtype MIME string, in either case.
var mimePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_.+]*/[A-Za-z0-9][A-Za-z0-9\-_.+]*$`)

var allowedURISchemes = map[string]bool{
	"http":  true,
	"https": true,
	"file":  true,
}

var rejectedURISchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
}

// Sanitizer validates and normalizes inbound messages. It holds only
// immutable configuration; Sanitize has no side effects and is safe for
// concurrent use.
type Sanitizer struct {
	limits Limits
}

// New creates a Sanitizer with the given limits.
func New(limits Limits) *Sanitizer {
	return &Sanitizer{limits: limits}
}

// Sanitize validates raw against every rule in section 4.1 and returns a
// normalized Message, or the first ValidationError encountered.
func (s *Sanitizer) Sanitize(raw a2a.Message) (a2a.Message, error) {
	msg := raw

	if msg.MessageID == "" {
		return a2a.Message{}, fail("messageId", "must not be empty")
	}
	if len(msg.MessageID) > s.limits.MaxMessageIDLength {
		return a2a.Message{}, fail("messageId", "exceeds maximum length")
	}
	msg.MessageID = scrubString(msg.MessageID)

	if msg.Role != a2a.RoleUser && msg.Role != a2a.RoleAgent {
		return a2a.Message{}, fail("role", fmt.Sprintf("unknown role %q", msg.Role))
	}

	if len(msg.Parts) > s.limits.MaxPartsPerMessage {
		return a2a.Message{}, fail("parts", "exceeds maximum part count")
	}

	msg.ContextID = scrubString(msg.ContextID)
	msg.TaskID = scrubString(msg.TaskID)

	sanitizedParts := make([]a2a.Part, len(msg.Parts))
	for i, p := range msg.Parts {
		sp, err := s.sanitizePart(p)
		if err != nil {
			return a2a.Message{}, err
		}
		sanitizedParts[i] = sp
	}
	msg.Parts = sanitizedParts

	if msg.Metadata != nil {
		sanitized, err := sanitizeMetadata(msg.Metadata)
		if err != nil {
			return a2a.Message{}, err
		}
		msg.Metadata = sanitized
	}

	total, err := json.Marshal(msg)
	if err != nil {
		return a2a.Message{}, fail("message", "failed to serialize")
	}
	if len(total) > s.limits.MaxMessageLength {
		return a2a.Message{}, fail("message", "exceeds maximum serialized length")
	}

	return msg, nil
}

func (s *Sanitizer) sanitizePart(p a2a.Part) (a2a.Part, error) {
	switch p.Kind {
	case a2a.PartKindText:
		text := scrubString(p.Text)
		if len(text) > s.limits.MaxTextLength {
			return a2a.Part{}, fail("text", "exceeds maximum text length")
		}
		p.Text = text

	case a2a.PartKindFile:
		if p.File == nil {
			return a2a.Part{}, fail("file", "missing file payload")
		}
		f := *p.File
		f.Name = sanitizeFilename(f.Name)

		if f.MimeType != "" {
			mime := strings.ToLower(f.MimeType)
			if !mimePattern.MatchString(mime) {
				return a2a.Part{}, fail("file.mimeType", fmt.Sprintf("malformed MIME type %q", f.MimeType))
			}
			f.MimeType = mime
		}

		if f.URI != "" {
			sanitizedURI, err := sanitizeURI(f.URI)
			if err != nil {
				return a2a.Part{}, err
			}
			f.URI = sanitizedURI
		}
		p.File = &f

	case a2a.PartKindData:
		var probe any
		if err := json.Unmarshal(p.Data, &probe); err != nil {
			return a2a.Part{}, fail("data", "must round-trip through JSON")
		}
		reencoded, err := json.Marshal(probe)
		if err != nil {
			return a2a.Part{}, fail("data", "must round-trip through JSON")
		}
		p.Data = reencoded

	default:
		return a2a.Part{}, fail("part.kind", fmt.Sprintf("unknown kind %q", p.Kind))
	}

	if p.Metadata != nil {
		sanitized, err := sanitizeMetadata(p.Metadata)
		if err != nil {
			return a2a.Part{}, err
		}
		p.Metadata = sanitized
	}

	return p, nil
}

// scrubString strips null bytes and ASCII control characters from s.
func scrubString(s string) string {
	if s == "" {
		return s
	}
	return controlChars.ReplaceAllString(s, "")
}

// sanitizeFilename strips path separators, collapses leading dots, truncates
// to 255 characters, and substitutes "unnamed_file" when the result is
// empty.
func sanitizeFilename(name string) string {
	name = scrubString(name)
	name = strings.NewReplacer("/", "", "\\", "", ":", "", "\x00", "").Replace(name)
	name = strings.TrimLeft(name, ".")
	if len(name) > 255 {
		name = name[:255]
	}
	if name == "" {
		return "unnamed_file"
	}
	return name
}

// sanitizeURI parses uri and rejects dangerous or unsupported schemes.
func sanitizeURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fail("uri", "failed to parse")
	}
	scheme := strings.ToLower(u.Scheme)
	if rejectedURISchemes[scheme] {
		return "", fail("uri", fmt.Sprintf("scheme %q is not permitted", scheme))
	}
	if !allowedURISchemes[scheme] {
		return "", fail("uri", fmt.Sprintf("scheme %q is not supported", scheme))
	}
	return u.String(), nil
}

// sanitizeMetadata scrubs string keys and string-valued entries; other
// JSON-serializable scalar values pass through unchanged.
func sanitizeMetadata(meta map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		cleanKey := scrubString(k)
		switch val := v.(type) {
		case string:
			out[cleanKey] = scrubString(val)
		case nil, bool, float64, int, int64:
			out[cleanKey] = val
		default:
			// Must still be JSON-serializable; reject otherwise.
			if _, err := json.Marshal(val); err != nil {
				return nil, fail("metadata", fmt.Sprintf("value for %q is not JSON-serializable", k))
			}
			out[cleanKey] = val
		}
	}
	return out, nil
}
