package storage

import (
	"encoding/json"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp marshals as ISO-8601 in UTC with millisecond precision.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t.UTC()} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timestampLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

// UsageRecord is the durable projection of one proxied call, as accepted by
// the prompt API's ingestion endpoint. It has no field for the raw API key.
type UsageRecord struct {
	ConversationID    string         `json:"conversationId"`
	RawContent        string         `json:"rawContent"`
	Provider          string         `json:"provider"`
	Model             string         `json:"model"`
	RequestTimestamp  Timestamp      `json:"requestTimestamp"`
	ResponseTimestamp Timestamp      `json:"responseTimestamp"`
	TokensInput       *int           `json:"tokensInput"`
	TokensOutput      *int           `json:"tokensOutput"`
	Status            string         `json:"status"`
	ResponseContent   *string        `json:"responseContent"`
	LatencyMs         int64          `json:"latencyMs"`
	ClientIP          string         `json:"clientIp"`
	UserAgent         string         `json:"userAgent"`
	APIKeyHash        string         `json:"apiKeyHash"`
	Metadata          map[string]any `json:"metadata"`
	Temperature       *float64       `json:"temperature"`
	MaxTokens         *int           `json:"maxTokens"`
	SystemPrompt      *string        `json:"systemPrompt"`
	UserPrompt        *string        `json:"userPrompt"`
}
