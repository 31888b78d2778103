package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"chat-relay/internal/models"
)

// NewCompletion wraps content in a chat-completion envelope with a fresh id.
func NewCompletion(model, content string, created time.Time) models.ChatCompletion {
	return models.ChatCompletion{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []models.ChatChoice{
			{
				Index: 0,
				Message: models.Message{
					Role:    models.RoleAssistant,
					Content: content,
				},
				FinishReason: "stop",
			},
		},
	}
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// AggregateStream folds an upstream event stream into the concatenated
// delta content, renaming tags fragment by fragment. Malformed events are
// logged and skipped; a read error aborts the aggregation.
func AggregateStream(body io.Reader, rw *Rewriter, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		splitter FrameSplitter
		content  strings.Builder
	)
	fold := func(frames []string) {
		for _, frame := range frames {
			fragment, err := deltaContent(frame)
			if err != nil {
				logger.Warn("skipping upstream frame", "err", err)
				continue
			}
			content.WriteString(rw.Text(fragment))
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			fold(splitter.Push(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read upstream stream: %w", err)
		}
	}
	if pending := splitter.Pending(); strings.TrimSpace(pending) != "" {
		fold([]string{pending})
	}

	return content.String(), nil
}

// deltaContent extracts choices[0].delta.content from one event.
func deltaContent(frame string) (string, error) {
	data, ok := frameData(frame)
	if !ok || strings.TrimSpace(data) == doneMarker {
		return "", nil
	}
	if !gjson.Valid(data) {
		return "", fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}
	return gjson.Get(data, deltaContentPath).String(), nil
}

// AggregateJSON extracts choices[0].message.content from a single upstream
// JSON response.
func AggregateJSON(body io.Reader, rw *Rewriter) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read upstream response: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return "", errors.New("decode upstream response: invalid JSON")
	}
	message := gjson.GetBytes(raw, "choices.0.message")
	if !message.Exists() {
		return "", errors.New("upstream response did not include choices")
	}
	return rw.Text(message.Get("content").String()), nil
}

// placeholderFrame builds the invisible delta sent while waiting for the
// first upstream byte.
func placeholderFrame(model string, now time.Time) ([]byte, error) {
	chunk := map[string]any{
		"id":      newCompletionID(),
		"object":  "chat.completion.chunk",
		"created": now.Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         map[string]any{"content": placeholderContent},
				"finish_reason": nil,
			},
		},
	}
	encoded, err := encodeJSON(chunk)
	if err != nil {
		return nil, err
	}
	return []byte("data: " + string(encoded) + "\n\n"), nil
}
