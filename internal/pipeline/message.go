// Package pipeline defines the shapes that travel between stages: the
// canonical inbound message, the stored-document view and the work package.
package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is the version of Message produced by Normalize.
const SchemaVersion = 2

// LegacySchemaVersion marks payloads that carried no version field.
const LegacySchemaVersion = 1

// ErrMalformed reports a payload that cannot be turned into a Message.
var ErrMalformed = errors.New("pipeline: malformed message")

// Text is the message body container.
type Text struct {
	Body string `json:"body"`
}

// Message is the canonical inbound message.
type Message struct {
	Version        int    `json:"v"`
	ExternalID     string `json:"id,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	From           string `json:"from,omitempty"`
	Type           string `json:"type,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	Text           Text   `json:"text"`
	TraceID        string `json:"traceId,omitempty"`
}

// ConversationKey returns the conversation id, falling back to the sender.
func (m Message) ConversationKey() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	return m.From
}

// rawMessage accepts every field spelling seen in stored and queued payloads.
type rawMessage struct {
	Version             int             `json:"v"`
	ID                  string          `json:"id"`
	ConversationID      string          `json:"conversationId"`
	ConversationIDSnake string          `json:"conversation_id"`
	From                string          `json:"from"`
	Type                string          `json:"type"`
	Timestamp           json.RawMessage `json:"timestamp"`
	Text                json.RawMessage `json:"text"`
	TraceID             string          `json:"traceId"`
	TraceIDSnake        string          `json:"trace_id"`
}

// Normalize decodes one JSON object in any known shape and returns the
// canonical Message. Legacy payloads are upgraded in place: a plain string
// text becomes text.body and snake_case keys are folded into camelCase.
func Normalize(data []byte) (Message, error) {
	var raw rawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	body, err := decodeText(raw.Text)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		Version:        SchemaVersion,
		ExternalID:     raw.ID,
		ConversationID: firstNonEmpty(raw.ConversationID, raw.ConversationIDSnake),
		From:           raw.From,
		Type:           raw.Type,
		Timestamp:      decodeScalar(raw.Timestamp),
		Text:           Text{Body: body},
		TraceID:        firstNonEmpty(raw.TraceID, raw.TraceIDSnake),
	}
	if m.Type == "" && body != "" {
		m.Type = "text"
	}
	return m, nil
}

// SourceVersion reports the schema version a raw payload was written in.
func SourceVersion(data []byte) int {
	var v struct {
		Version int `json:"v"`
	}
	if err := json.Unmarshal(data, &v); err != nil || v.Version == 0 {
		return LegacySchemaVersion
	}
	return v.Version
}

// DecodeBatch accepts either one message object or an array of them.
func DecodeBatch(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	switch trimmed[0] {
	case '{':
		return []json.RawMessage{trimmed}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		for i, it := range items {
			it = bytes.TrimSpace(it)
			if len(it) == 0 || it[0] != '{' {
				return nil, fmt.Errorf("%w: item %d is not an object", ErrMalformed, i)
			}
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: payload is not an object or array", ErrMalformed)
}

// Encode marshals a canonical message.
func (m Message) Encode() ([]byte, error) {
	m.Version = SchemaVersion
	return json.Marshal(m)
}

func decodeText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: text: %v", ErrMalformed, err)
		}
		return s, nil
	case '{':
		var t struct {
			Body json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return "", fmt.Errorf("%w: text: %v", ErrMalformed, err)
		}
		if len(t.Body) == 0 || string(t.Body) == "null" {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(t.Body, &s); err != nil {
			return "", fmt.Errorf("%w: text.body must be a string", ErrMalformed)
		}
		return s, nil
	}
	return "", fmt.Errorf("%w: text must be a string or object", ErrMalformed)
}

func decodeScalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
