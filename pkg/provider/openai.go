package provider

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

func openAIDescriptor() Descriptor {
	return Descriptor{
		ID:      OpenAI,
		Name:    "OpenAI",
		BaseURL: "https://api.openai.com",
		Paths: []*regexp.Regexp{
			regexp.MustCompile(`^/v1/chat/completions$`),
			regexp.MustCompile(`^/v1/completions$`),
			regexp.MustCompile(`^/v1/embeddings$`),
		},
		KeyHeader: "Authorization",
		Bearer:    true,
		KeyShape:  KeyShape{Prefix: "sk-", MinLen: 10},
		RequiredHeaders: []HeaderValue{
			{Name: "Content-Type", Value: "application/json"},
		},
		ParseRequest: parseOpenAIRequest,
		ParseUsage:   parseOpenAIUsage,
	}
}

// parseOpenAIRequest handles chat completions, legacy completions and
// embeddings bodies.
func parseOpenAIRequest(_ string, body []byte) (Prompt, error) {
	doc, ok, err := openDoc(body)
	if !ok {
		return Prompt{}, err
	}

	var b promptBuilder
	b.p.Model = doc.Get("model").String()
	b.p.Temperature = b.number(doc, "temperature")
	b.p.MaxTokens = b.integer(doc, "max_tokens")
	if b.p.MaxTokens == nil {
		b.p.MaxTokens = b.integer(doc, "max_completion_tokens")
	}

	switch {
	case doc.Get("messages").Exists():
		messages := doc.Get("messages")
		if !messages.IsArray() {
			b.fail("messages is not an array")
			break
		}
		var typed []openai.ChatCompletionMessage
		if err := json.Unmarshal([]byte(messages.Raw), &typed); err == nil {
			for _, m := range typed {
				b.addMessage(m.Role, chatMessageText(m))
			}
			break
		}
		// Shapes the typed messages reject, such as bare string parts.
		for _, m := range messages.Array() {
			b.addMessage(m.Get("role").String(), contentText(m.Get("content")))
		}
	case doc.Get("prompt").Exists():
		appendLine(&b.user, contentText(doc.Get("prompt")))
	case doc.Get("input").Exists():
		appendLine(&b.user, contentText(doc.Get("input")))
	}

	b.params(doc, "top_p", "frequency_penalty", "presence_penalty", "stream")
	return b.result()
}

// chatMessageText joins the text parts of a chat message. Image and audio
// parts are skipped.
func chatMessageText(m openai.ChatCompletionMessage) string {
	if len(m.MultiContent) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, part := range m.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			appendLine(&sb, part.Text)
		}
	}
	return sb.String()
}

func parseOpenAIUsage(body []byte) Usage {
	raw := gjson.GetBytes(body, "usage")
	if !raw.IsObject() {
		return Usage{}
	}

	// Responses API shape.
	if !raw.Get("prompt_tokens").Exists() {
		return Usage{
			InputTokens:  intPtr(raw.Get("input_tokens")),
			OutputTokens: intPtr(raw.Get("output_tokens")),
		}
	}

	var u openai.Usage
	if err := json.Unmarshal([]byte(raw.Raw), &u); err != nil {
		return Usage{}
	}
	out := Usage{InputTokens: &u.PromptTokens}
	if raw.Get("completion_tokens").Exists() {
		out.OutputTokens = &u.CompletionTokens
	}
	return out
}
