// Package provider describes the upstream LLM APIs the relay recognises.
//
// Each provider is a Descriptor value carrying its own path rules, auth-header
// shape, outbound header requirements and body parsers. Dispatch is a lookup
// in the Registry; nothing switches on the provider id.
package provider

import (
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ID identifies an upstream provider.
type ID string

const (
	OpenAI    ID = "OPENAI"
	Anthropic ID = "ANTHROPIC"
	GoogleAI  ID = "GOOGLE_AI"
	Unknown   ID = "UNKNOWN"
)

// Key is the lower-case form used in config files and error bodies.
func (id ID) Key() string { return strings.ToLower(string(id)) }

// ErrMalformedBody is returned (possibly wrapped) by request parsers when the
// body does not have the provider's expected shape.
var ErrMalformedBody = errors.New("malformed request body")

// Prompt is the provider-agnostic result of parsing a request body.
type Prompt struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	MaxTokens    *int
	Params       map[string]any
}

// Usage holds token counts reported by the upstream, when present.
type Usage struct {
	InputTokens  *int
	OutputTokens *int
}

// Merge overlays the counts present in o.
func (u Usage) Merge(o Usage) Usage {
	if o.InputTokens != nil {
		u.InputTokens = o.InputTokens
	}
	if o.OutputTokens != nil {
		u.OutputTokens = o.OutputTokens
	}
	return u
}

// KeyShape is the heuristic an API key must satisfy before it is forwarded.
type KeyShape struct {
	Prefix string
	MinLen int
	MaxLen int // 0 means unbounded
}

// Valid reports whether key looks like a key for this provider.
func (s KeyShape) Valid(key string) bool {
	if key == "" || !strings.HasPrefix(key, s.Prefix) {
		return false
	}
	if len(key) < s.MinLen {
		return false
	}
	return s.MaxLen == 0 || len(key) <= s.MaxLen
}

// HeaderValue is a header the provider requires on outbound calls.
type HeaderValue struct {
	Name  string
	Value string
}

// Descriptor is an immutable description of one provider.
type Descriptor struct {
	ID      ID
	Name    string
	BaseURL string

	Paths []*regexp.Regexp

	// KeyHeader carries the API key. When Bearer is set the header value is
	// "Bearer <key>".
	KeyHeader string
	Bearer    bool
	// KeyQuery is an optional query parameter accepted as a key fallback.
	KeyQuery string
	KeyShape KeyShape

	RequiredHeaders []HeaderValue

	ParseRequest func(path string, body []byte) (Prompt, error)
	ParseUsage   func(body []byte) Usage
}

// MatchPath reports whether any of the provider's path rules match.
func (d Descriptor) MatchPath(path string) bool {
	for _, re := range d.Paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// HasAuthShape reports whether the request carries this provider's
// authentication header shape. It does not validate the key itself.
func (d Descriptor) HasAuthShape(h http.Header, q url.Values) bool {
	if d.KeyHeader == "" {
		return false
	}
	if d.Bearer {
		return strings.HasPrefix(h.Get(d.KeyHeader), "Bearer ")
	}
	if len(h.Values(d.KeyHeader)) > 0 {
		return true
	}
	return d.KeyQuery != "" && q.Has(d.KeyQuery)
}

var unknownDescriptor = Descriptor{ID: Unknown, Name: "Unknown"}
