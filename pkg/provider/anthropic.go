package provider

import (
	"regexp"

	"github.com/tidwall/gjson"
)

// AnthropicVersion is injected when the client does not pin a version.
const AnthropicVersion = "2023-06-01"

func anthropicDescriptor() Descriptor {
	return Descriptor{
		ID:      Anthropic,
		Name:    "Anthropic",
		BaseURL: "https://api.anthropic.com",
		Paths: []*regexp.Regexp{
			regexp.MustCompile(`^/v1/messages$`),
			regexp.MustCompile(`^/v1/complete$`),
		},
		KeyHeader: "x-api-key",
		KeyShape:  KeyShape{Prefix: "sk-ant-", MinLen: 20},
		RequiredHeaders: []HeaderValue{
			{Name: "anthropic-version", Value: AnthropicVersion},
			{Name: "Content-Type", Value: "application/json"},
		},
		ParseRequest: parseAnthropicRequest,
		ParseUsage:   parseAnthropicUsage,
	}
}

func parseAnthropicRequest(_ string, body []byte) (Prompt, error) {
	doc, ok, err := openDoc(body)
	if !ok {
		return Prompt{}, err
	}

	var b promptBuilder
	b.p.Model = doc.Get("model").String()
	b.p.Temperature = b.number(doc, "temperature")
	b.p.MaxTokens = b.integer(doc, "max_tokens")
	if b.p.MaxTokens == nil {
		b.p.MaxTokens = b.integer(doc, "max_tokens_to_sample")
	}

	if system := doc.Get("system"); system.Exists() {
		b.addMessage("system", contentText(system))
	}

	switch {
	case doc.Get("messages").Exists():
		messages := doc.Get("messages")
		if !messages.IsArray() {
			b.fail("messages is not an array")
			break
		}
		for _, m := range messages.Array() {
			b.addMessage(m.Get("role").String(), contentText(m.Get("content")))
		}
	case doc.Get("prompt").Exists():
		// Legacy text completions carry the whole "\n\nHuman: ..." transcript.
		appendLine(&b.user, doc.Get("prompt").String())
	}

	b.params(doc, "top_p", "top_k", "stream", "stop_sequences")
	return b.result()
}

// parseAnthropicUsage reads "usage" from a message body or a message_delta
// event, and "message.usage" from a message_start event.
func parseAnthropicUsage(body []byte) Usage {
	raw := gjson.GetBytes(body, "usage")
	if !raw.IsObject() {
		raw = gjson.GetBytes(body, "message.usage")
	}
	if !raw.IsObject() {
		return Usage{}
	}
	return Usage{
		InputTokens:  intPtr(raw.Get("input_tokens")),
		OutputTokens: intPtr(raw.Get("output_tokens")),
	}
}
