// Package capture turns proxied calls into usage records and delivers them,
// best effort, to the prompt API or the Redis fallback.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ngoyal88/promptrelay/pkg/provider"
	"github.com/ngoyal88/promptrelay/pkg/storage"
)

// Status classifications stored on usage records.
const (
	StatusSuccess         = "success"
	StatusUpstreamError   = "upstream_error"
	StatusClientCancelled = "client_cancelled"
)

// sensitiveHeaders never leave the request in captured metadata.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"X-Api-Key":           true,
	"X-Goog-Api-Key":      true,
	"Cookie":              true,
}

// Context is everything learned about one proxied call. It is a value: every
// With* method returns an updated copy, and a Context is never shared
// between requests.
type Context struct {
	RequestID      string
	ConversationID string
	Provider       provider.ID
	RequestBody    string
	Prompt         provider.Prompt
	// APIKeyHash is the truncated digest of the caller key. The key itself
	// stays with the forwarder.
	APIKeyHash     string
	RequestTime    time.Time
	ClientIP       string
	UserAgent      string
	Path           string
	Headers        map[string]string

	// Populated once the upstream call has finished.
	Status            string
	Usage             provider.Usage
	ResponseBody      *string
	ResponseTruncated bool
	ResponseTime      time.Time

	// Populated by the pipeline when the upstream reported no usage.
	EstimatedInputTokens *int
	EstimatedCostUSD     *float64
}

// Outcome is what the forwarding stage reports back.
type Outcome struct {
	StatusCode   int
	Err          error
	Usage        provider.Usage
	ResponseBody *string
	// Truncated is set when ResponseBody is a prefix of what the client got.
	Truncated    bool
	Finished     time.Time
}

func (c Context) WithBody(body []byte) Context {
	c.RequestBody = string(body)
	return c
}

func (c Context) WithConversation(id string) Context {
	c.ConversationID = id
	return c
}

func (c Context) WithPrompt(p provider.Prompt) Context {
	c.Prompt = p
	return c
}

func (c Context) WithOutcome(o Outcome) Context {
	c.Status = ClassifyStatus(o.StatusCode, o.Err)
	c.Usage = o.Usage
	c.ResponseBody = o.ResponseBody
	c.ResponseTruncated = o.Truncated
	c.ResponseTime = o.Finished
	return c
}

func (c Context) WithEstimate(tokens int, costUSD float64) Context {
	c.EstimatedInputTokens = &tokens
	c.EstimatedCostUSD = &costUSD
	return c
}

// Latency is the time between receiving the request and the end of the
// upstream response.
func (c Context) Latency() time.Duration {
	if c.ResponseTime.IsZero() {
		return 0
	}
	return c.ResponseTime.Sub(c.RequestTime)
}

// Record freezes the context into the usage record sent downstream. Only the
// key hash is carried over.
func (c Context) Record() storage.UsageRecord {
	metadata := map[string]any{
		"requestId": c.RequestID,
		"path":      c.Path,
		"headers":   c.Headers,
	}
	for k, v := range c.Prompt.Params {
		metadata[k] = v
	}
	if c.ResponseTruncated {
		metadata["responseTruncated"] = true
	}
	if c.EstimatedInputTokens != nil {
		metadata["estimatedInputTokens"] = *c.EstimatedInputTokens
	}
	if c.EstimatedCostUSD != nil {
		metadata["estimatedCostUsd"] = *c.EstimatedCostUSD
	}

	responded := c.ResponseTime
	if responded.IsZero() {
		responded = c.RequestTime
	}

	return storage.UsageRecord{
		ConversationID:    c.ConversationID,
		RawContent:        c.RequestBody,
		Provider:          string(c.Provider),
		Model:             c.Prompt.Model,
		RequestTimestamp:  storage.NewTimestamp(c.RequestTime),
		ResponseTimestamp: storage.NewTimestamp(responded),
		TokensInput:       c.Usage.InputTokens,
		TokensOutput:      c.Usage.OutputTokens,
		Status:            c.Status,
		ResponseContent:   c.ResponseBody,
		LatencyMs:         c.Latency().Milliseconds(),
		ClientIP:          c.ClientIP,
		UserAgent:         c.UserAgent,
		APIKeyHash:        c.APIKeyHash,
		Metadata:          metadata,
		Temperature:       c.Prompt.Temperature,
		MaxTokens:         c.Prompt.MaxTokens,
		SystemPrompt:      nonEmpty(c.Prompt.SystemPrompt),
		UserPrompt:        nonEmpty(c.Prompt.UserPrompt),
	}
}

// ClassifyStatus maps the upstream result to the record's status string.
func ClassifyStatus(code int, err error) string {
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return StatusClientCancelled
	case err != nil:
		return StatusUpstreamError
	case code >= 200 && code < 300:
		return StatusSuccess
	}
	return fmt.Sprintf("error_%d", code)
}

// SafeHeaders copies the first value of every header except credentials.
func SafeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if sensitiveHeaders[canonical] || len(values) == 0 {
			continue
		}
		out[canonical] = values[0]
	}
	return out
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
