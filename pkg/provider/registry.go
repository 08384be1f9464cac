package provider

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Registry is the process-wide provider table. It is built once at startup and
// never mutated, so it is safe for concurrent use without locking.
type Registry struct {
	descriptors []Descriptor
}

// Classification is the result of matching a request against the registry.
type Classification struct {
	// Provider is the provider whose full rule (path and auth shape) matched,
	// or Unknown.
	Provider ID
	// PathMatch is the first provider whose path rule matched, regardless of
	// headers, or Unknown.
	PathMatch ID
}

// NewRegistry builds the registry in detection order (OpenAI, Anthropic,
// Google AI). overrides replaces base URLs, keyed by ID.Key().
func NewRegistry(overrides map[string]string) (*Registry, error) {
	descriptors := []Descriptor{openAIDescriptor(), anthropicDescriptor(), googleDescriptor()}

	for key, raw := range overrides {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid upstream URL for %s: %q", key, raw)
		}
		found := false
		for i := range descriptors {
			if descriptors[i].ID.Key() == strings.ToLower(key) {
				descriptors[i].BaseURL = strings.TrimRight(raw, "/")
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown provider in upstream overrides: %s", key)
		}
	}

	return &Registry{descriptors: descriptors}, nil
}

// Default returns the registry with the public provider endpoints.
func Default() *Registry {
	r, _ := NewRegistry(nil)
	return r
}

// Classify evaluates path rules in registry order. On a path match the
// provider's auth shape must also be present for Provider to be set.
func (r *Registry) Classify(path string, h http.Header, q url.Values) Classification {
	c := Classification{Provider: Unknown, PathMatch: Unknown}
	for _, d := range r.descriptors {
		if !d.MatchPath(path) {
			continue
		}
		if c.PathMatch == Unknown {
			c.PathMatch = d.ID
		}
		if d.HasAuthShape(h, q) {
			c.Provider = d.ID
			return c
		}
	}
	return c
}

// Detect returns exactly one provider id for the request metadata.
func (r *Registry) Detect(path string, h http.Header, q url.Values) ID {
	return r.Classify(path, h, q).Provider
}

// Lookup returns the descriptor for id. Unknown (and any unregistered id)
// yields the empty Unknown descriptor and false.
func (r *Registry) Lookup(id ID) (Descriptor, bool) {
	for _, d := range r.descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return unknownDescriptor, false
}

// Names lists the display names in detection order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		names = append(names, d.Name)
	}
	return names
}
