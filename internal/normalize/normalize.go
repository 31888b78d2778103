// Package normalize rewrites arbitrary chat transcripts into the strictly
// alternating shape the upstream API accepts.
package normalize

import (
	"strings"

	"chat-relay/internal/models"
)

// Messages returns a canonical conversation: at most one system message,
// placed first; no two consecutive messages sharing a role; and a final
// user turn. An empty input yields an empty output.
func Messages(in []models.Message) []models.Message {
	if len(in) == 0 {
		return []models.Message{}
	}

	var systemParts []string
	nonSystem := make([]models.Message, 0, len(in))
	for _, msg := range in {
		if msg.Role == models.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		nonSystem = append(nonSystem, msg)
	}

	out := make([]models.Message, 0, len(in)+2)
	if len(systemParts) > 0 {
		out = append(out, models.Message{
			Role:    models.RoleSystem,
			Content: strings.Join(systemParts, "\n"),
		})
	}
	out = append(out, mergeRuns(nonSystem)...)

	if last := len(out) - 1; last >= 0 && out[last].Role == models.RoleAssistant {
		out = out[:last]
	}

	// The first turn after the optional system prompt must be the user's.
	first := 0
	if len(out) > 0 && out[0].Role == models.RoleSystem {
		first = 1
	}
	if len(out) > 0 && (len(out) <= first || out[first].Role != models.RoleUser) {
		out = append(out, models.Message{})
		copy(out[first+1:], out[first:])
		out[first] = models.Message{Role: models.RoleUser}
	}

	if len(out) == 0 || out[len(out)-1].Role != models.RoleUser {
		out = append(out, models.Message{Role: models.RoleUser})
	}

	return out
}

// mergeRuns collapses each maximal run of same-role messages into one,
// joining the contents with newlines.
func mergeRuns(msgs []models.Message) []models.Message {
	var (
		out   []models.Message
		role  string
		parts []string
	)
	flush := func() {
		if len(parts) == 0 {
			return
		}
		out = append(out, models.Message{Role: role, Content: strings.Join(parts, "\n")})
		parts = parts[:0]
	}

	for _, msg := range msgs {
		if len(parts) > 0 && msg.Role != role {
			flush()
		}
		role = msg.Role
		parts = append(parts, msg.Content)
	}
	flush()

	return out
}
