package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chat-relay/internal/models"
	"chat-relay/internal/normalize"
)

const (
	defaultTemperature = 1.0
	defaultTokenLimit  = 4096

	fieldMaxTokens       = "max_tokens"
	fieldMaxOutputTokens = "max_output_tokens"
)

var errInvalidContent = errors.New("invalid message content")

// ChatCompletionRequest models the inbound chat/completions request payload.
// Pointer fields distinguish an absent value from an explicit zero.
type ChatCompletionRequest struct {
	Model       string
	Messages    []models.Message
	MaxTokens   *int
	Temperature *float64
	Stream      bool
}

// UnmarshalJSON accepts string and array-of-text message content.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		MaxTokens   *int          `json:"max_tokens"`
		Temperature *float64      `json:"temperature"`
		Stream      bool          `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	msgs := make([]models.Message, 0, len(raw.Messages))
	for _, m := range raw.Messages {
		msgs = append(msgs, models.Message{Role: m.Role, Content: m.Content})
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = msgs
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.Stream = raw.Stream
	return nil
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON flattens text segments into a single content string.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// Options carries the variant rules applied by Translate.
type Options struct {
	// FixedModel, when set, replaces the client's model and forces the
	// upstream request to stream regardless of the client's choice.
	FixedModel string
	// ReasoningModel is the model that takes max_output_tokens.
	ReasoningModel string
}

// Translation is the upstream request derived from an inbound request.
type Translation struct {
	Request models.UpstreamRequest
	Header  http.Header
	// ClientStream records whether the client asked for an event stream.
	ClientStream bool
}

// Translate builds the upstream payload and headers. The upstream
// Authorization header always carries secret, never the client credential.
func Translate(req ChatCompletionRequest, secret string, opts Options) Translation {
	model := req.Model
	stream := req.Stream
	if opts.FixedModel != "" {
		model = opts.FixedModel
		stream = true
	}

	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	tokenLimit := defaultTokenLimit
	if req.MaxTokens != nil && *req.MaxTokens != 0 {
		tokenLimit = *req.MaxTokens
	}

	field := fieldMaxTokens
	if opts.ReasoningModel != "" && model == opts.ReasoningModel {
		field = fieldMaxOutputTokens
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+secret)
	if stream {
		header.Set("Accept", "text/event-stream")
	} else {
		header.Set("Accept", "application/json")
	}

	return Translation{
		Request: models.UpstreamRequest{
			Model:           model,
			Messages:        normalize.Messages(req.Messages),
			TokenLimitField: field,
			TokenLimit:      tokenLimit,
			Temperature:     temperature,
			Stream:          stream,
		},
		Header:       header,
		ClientStream: req.Stream,
	}
}
