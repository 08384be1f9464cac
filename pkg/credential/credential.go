// Package credential passes the caller's own provider API key through to the
// upstream. Keys are validated by shape only; the relay never stores them.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ngoyal88/promptrelay/pkg/provider"
)

var (
	// ErrUnknownProvider means detection failed; no key extraction is attempted.
	ErrUnknownProvider = errors.New("unknown LLM provider")
	ErrMissingKey      = errors.New("missing API key")
	ErrInvalidKey      = errors.New("invalid API key format")
)

// HashLen is the number of hex characters kept from the key digest.
const HashLen = 8

// Credential holds a caller key for the lifetime of one request. The raw key
// is unexported and is never printed or marshalled.
type Credential struct {
	key     string
	hash    string
	fromURL bool
}

// Extract reads the caller key for d from the headers, falling back to the
// query parameter where the provider allows it, and validates its shape.
// An invalid key still returns a Credential carrying the hash for logging.
func Extract(d provider.Descriptor, h http.Header, q url.Values) (Credential, error) {
	if d.ID == provider.Unknown {
		return Credential{}, ErrUnknownProvider
	}

	var key string
	fromURL := false
	if d.Bearer {
		key, _ = strings.CutPrefix(h.Get(d.KeyHeader), "Bearer ")
	} else {
		key = h.Get(d.KeyHeader)
	}
	key = strings.TrimSpace(key)
	if key == "" && d.KeyQuery != "" {
		key = strings.TrimSpace(q.Get(d.KeyQuery))
		fromURL = key != ""
	}

	if key == "" {
		return Credential{}, ErrMissingKey
	}

	c := Credential{key: key, hash: Hash(key), fromURL: fromURL}
	if !d.KeyShape.Valid(key) {
		// Drop the raw key; only the hash is useful past this point.
		c.key = ""
		return c, ErrInvalidKey
	}
	return c, nil
}

// Apply maps the key onto the provider's outbound header and injects the
// provider's required headers unless the caller already set them.
func (c Credential) Apply(d provider.Descriptor, h http.Header) {
	if c.key != "" && d.KeyHeader != "" {
		if d.Bearer {
			h.Set(d.KeyHeader, "Bearer "+c.key)
		} else {
			h.Set(d.KeyHeader, c.key)
		}
	}
	for _, rh := range d.RequiredHeaders {
		if h.Get(rh.Name) == "" {
			h.Set(rh.Name, rh.Value)
		}
	}
}

// Hash is the truncated one-way digest of the key, safe to log and store.
func (c Credential) Hash() string { return c.hash }

// FromQuery reports whether the key came from the URL instead of a header.
func (c Credential) FromQuery() bool { return c.fromURL }

func (c Credential) String() string {
	if c.hash == "" {
		return "credential(none)"
	}
	return "credential(" + c.hash + ")"
}

func (c Credential) GoString() string { return c.String() }

func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"apiKeyHash": c.hash})
}

// Hash returns the first HashLen hex characters of sha256(key), or "" for an
// empty key.
func Hash(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:HashLen/2])
}

// ExpectedHeader names where d expects the key, for error messages.
func ExpectedHeader(d provider.Descriptor) string {
	switch {
	case d.KeyHeader == "":
		return "Authorization"
	case d.Bearer:
		return d.KeyHeader + " (Bearer token)"
	}
	return d.KeyHeader
}
