package models

// Roles accepted by the upstream chat API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single role-tagged conversational message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamRequest is the payload forwarded to the upstream chat API.
// The token limit is serialised under TokenLimitField.
type UpstreamRequest struct {
	Model           string
	Messages        []Message
	TokenLimitField string
	TokenLimit      int
	Temperature     float64
	Stream          bool
}

// MarshalJSON writes the token limit under its model-dependent field name.
func (r UpstreamRequest) MarshalJSON() ([]byte, error) {
	messages := r.Messages
	if messages == nil {
		messages = []Message{}
	}
	field := r.TokenLimitField
	if field == "" {
		field = "max_tokens"
	}
	return marshalOrdered([]orderedField{
		{"model", r.Model},
		{"messages", messages},
		{field, r.TokenLimit},
		{"temperature", r.Temperature},
		{"stream", r.Stream},
	})
}

// ChatCompletion is the synchronous chat-completion envelope returned to clients.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ChatChoice represents a single choice in the completion envelope.
type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}
