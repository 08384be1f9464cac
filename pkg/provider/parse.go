package provider

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

const assistantMarker = "[Assistant]: "

// promptBuilder accumulates a Prompt and the first error seen, so parsers
// can keep extracting after a field has the wrong shape.
type promptBuilder struct {
	p      Prompt
	system strings.Builder
	user   strings.Builder
	err    error
}

func (b *promptBuilder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", ErrMalformedBody, fmt.Sprintf(format, args...))
	}
}

// addMessage folds a chat turn into the system or user prompt.
func (b *promptBuilder) addMessage(role, content string) {
	switch strings.ToLower(role) {
	case openai.ChatMessageRoleSystem, "developer":
		appendLine(&b.system, content)
	case openai.ChatMessageRoleUser:
		appendLine(&b.user, content)
	case openai.ChatMessageRoleAssistant, "model":
		appendLine(&b.user, assistantMarker+content)
	}
}

func (b *promptBuilder) number(doc gjson.Result, path string) *float64 {
	v := doc.Get(path)
	if !v.Exists() {
		return nil
	}
	if v.Type != gjson.Number {
		b.fail("%s is not a number", path)
		return nil
	}
	f := v.Float()
	return &f
}

func (b *promptBuilder) integer(doc gjson.Result, path string) *int {
	v := doc.Get(path)
	if !v.Exists() {
		return nil
	}
	if v.Type != gjson.Number {
		b.fail("%s is not a number", path)
		return nil
	}
	n := int(v.Int())
	return &n
}

// params copies the listed keys verbatim into the open parameter bag.
func (b *promptBuilder) params(doc gjson.Result, keys ...string) {
	for _, k := range keys {
		v := doc.Get(k)
		if !v.Exists() {
			continue
		}
		if b.p.Params == nil {
			b.p.Params = make(map[string]any)
		}
		b.p.Params[k] = v.Value()
	}
}

func (b *promptBuilder) result() (Prompt, error) {
	b.p.SystemPrompt = b.system.String()
	b.p.UserPrompt = b.user.String()
	return b.p, b.err
}

func appendLine(sb *strings.Builder, s string) {
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(s)
}

// contentText flattens a message content that is either a string or an array
// of parts (strings or objects with a "text" field).
func contentText(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var sb strings.Builder
		for _, part := range v.Array() {
			if part.Type == gjson.String {
				appendLine(&sb, part.String())
				continue
			}
			if t := part.Get("text"); t.Exists() {
				appendLine(&sb, t.String())
			}
		}
		return sb.String()
	}
	return ""
}

// openDoc validates the body and returns its root. An empty body is not an
// error: there is simply nothing to extract.
func openDoc(body []byte) (gjson.Result, bool, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return gjson.Result{}, false, nil
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, false, fmt.Errorf("%w: invalid JSON", ErrMalformedBody)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, false, fmt.Errorf("%w: top level is not an object", ErrMalformedBody)
	}
	return doc, true, nil
}

func intPtr(v gjson.Result) *int {
	if v.Type != gjson.Number {
		return nil
	}
	n := int(v.Int())
	return &n
}

// ScanUsage extracts usage from either a JSON body or a server-sent event
// stream, applying parse to each "data:" payload. Later events win.
func ScanUsage(body []byte, parse func([]byte) Usage) Usage {
	if parse == nil || len(body) == 0 {
		return Usage{}
	}
	var u Usage
	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		if !doc.IsArray() {
			return parse(body)
		}
		// Google streams without alt=sse as one JSON array of chunks.
		for _, chunk := range doc.Array() {
			u = u.Merge(parse([]byte(chunk.Raw)))
		}
		return u
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" || !gjson.Valid(payload) {
			continue
		}
		u = u.Merge(parse([]byte(payload)))
	}
	return u
}
