package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const doneMarker = "[DONE]"

var doneFrame = []byte("data: " + doneMarker + "\n\n")

// ErrMalformedFrame marks an event whose data is not valid JSON.
var ErrMalformedFrame = errors.New("malformed frame")

// Rewriter renames reasoning tags in generated text.
type Rewriter struct {
	rename *strings.Replacer
}

// NewRewriter renames <from>/</from> to <to>/</to>. An empty from disables
// renaming.
func NewRewriter(from, to string) *Rewriter {
	if from == "" {
		return &Rewriter{}
	}
	return &Rewriter{
		rename: strings.NewReplacer(
			"<"+from+">", "<"+to+">",
			"</"+from+">", "</"+to+">",
		),
	}
}

// Text applies the tag rename to a content fragment.
func (r *Rewriter) Text(s string) string {
	if r == nil || r.rename == nil || s == "" {
		return s
	}
	return r.rename.Replace(s)
}

// Frame converts one upstream event into the bytes forwarded downstream.
// It returns nil for events that carry nothing to forward.
func (r *Rewriter) Frame(frame string) ([]byte, error) {
	if strings.TrimSpace(frame) == "" {
		return nil, nil
	}
	data, ok := frameData(frame)
	if !ok {
		return nil, nil
	}
	if strings.TrimSpace(data) == doneMarker {
		return doneFrame, nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	encoded := compact.Bytes()
	if !gjson.ParseBytes(encoded).IsObject() {
		return nil, fmt.Errorf("%w: data is not a JSON object", ErrMalformedFrame)
	}

	encoded, err := r.renameDelta(encoded)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(encoded)+8)
	out = append(out, "data: "...)
	out = append(out, encoded...)
	out = append(out, "\n\n"...)
	return out, nil
}

const deltaContentPath = "choices.0.delta.content"

// renameDelta rewrites choices[0].delta.content in place, leaving every
// other byte of the payload as upstream sent it.
func (r *Rewriter) renameDelta(payload []byte) ([]byte, error) {
	if r == nil || r.rename == nil {
		return payload, nil
	}
	content := gjson.GetBytes(payload, deltaContentPath)
	if content.Type != gjson.String {
		return payload, nil
	}
	renamed := r.Text(content.Str)
	if renamed == content.Str {
		return payload, nil
	}
	value, err := encodeJSON(renamed)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetRawBytes(payload, deltaContentPath, value)
	if err != nil {
		return nil, fmt.Errorf("rewrite delta content: %w", err)
	}
	return out, nil
}

// encodeJSON marshals without HTML escaping so tag markers stay readable.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), lf), nil
}
