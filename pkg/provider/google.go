package provider

import (
	"regexp"

	"github.com/tidwall/gjson"
)

var googleModelPattern = regexp.MustCompile(`^/v1beta/models/([^/:]+)`)

func googleDescriptor() Descriptor {
	return Descriptor{
		ID:      GoogleAI,
		Name:    "Google AI",
		BaseURL: "https://generativelanguage.googleapis.com",
		Paths: []*regexp.Regexp{
			regexp.MustCompile(`^/v1beta/models/[^/]+[:/](generateContent|streamGenerateContent)$`),
		},
		KeyHeader: "x-goog-api-key",
		KeyQuery:  "key",
		KeyShape:  KeyShape{MinLen: 20, MaxLen: 50},
		RequiredHeaders: []HeaderValue{
			{Name: "Content-Type", Value: "application/json"},
		},
		ParseRequest: parseGoogleRequest,
		ParseUsage:   parseGoogleUsage,
	}
}

// parseGoogleRequest reads a generateContent body. The model is only present
// in the path.
func parseGoogleRequest(path string, body []byte) (Prompt, error) {
	var b promptBuilder
	if m := googleModelPattern.FindStringSubmatch(path); m != nil {
		b.p.Model = m[1]
	}

	doc, ok, err := openDoc(body)
	if !ok {
		b.err = err
		return b.result()
	}

	system := doc.Get("systemInstruction")
	if !system.Exists() {
		system = doc.Get("system_instruction")
	}
	if system.Exists() {
		b.addMessage("system", contentText(system.Get("parts")))
	}

	if contents := doc.Get("contents"); contents.Exists() {
		if !contents.IsArray() {
			b.fail("contents is not an array")
		}
		for _, c := range contents.Array() {
			role := c.Get("role").String()
			if role == "" {
				role = "user"
			}
			b.addMessage(role, contentText(c.Get("parts")))
		}
	}

	gen := doc.Get("generationConfig")
	if !gen.Exists() {
		gen = doc.Get("generation_config")
	}
	if gen.Exists() {
		b.p.Temperature = b.number(gen, "temperature")
		b.p.MaxTokens = b.integer(gen, "maxOutputTokens")
		b.params(gen, "topP", "topK", "candidateCount")
	}

	return b.result()
}

func parseGoogleUsage(body []byte) Usage {
	raw := gjson.GetBytes(body, "usageMetadata")
	if !raw.IsObject() {
		return Usage{}
	}
	return Usage{
		InputTokens:  intPtr(raw.Get("promptTokenCount")),
		OutputTokens: intPtr(raw.Get("candidatesTokenCount")),
	}
}
