// Package protocol defines the chat message payload and the rules for turning
// raw inbound lines into messages and messages back into wire bytes.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Delimiter separates messages on the wire.
const Delimiter = '\n'

// ErrMalformedMessage is returned when an inbound payload cannot be parsed.
var ErrMalformedMessage = errors.New("malformed message")

// ChatMessage is the structured payload exchanged between clients.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func (m ChatMessage) String() string {
	return m.Sender + ": " + m.Content
}

// Parse converts a raw inbound payload into a ChatMessage. The JSON object form
// is tried first; anything that does not decode as one, including JSON with the
// wrong shape, is read as "<sender>:<content>", split on the first colon.
func Parse(raw []byte) (ChatMessage, error) {
	text := strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD"))
	if text == "" {
		return ChatMessage{}, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}

	msg, structErr := parseStructured([]byte(text))
	if structErr == nil {
		return msg, nil
	}
	msg, err := parseLegacy(text)
	if err != nil && json.Valid([]byte(text)) {
		return ChatMessage{}, structErr
	}
	return msg, err
}

func parseStructured(data []byte) (ChatMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedMessage)
	}

	sender, err := stringField(fields, "sender")
	if err != nil {
		return ChatMessage{}, err
	}
	content, err := stringField(fields, "content")
	if err != nil {
		return ChatMessage{}, err
	}
	return ChatMessage{Sender: sender, Content: content}, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", fmt.Errorf("%w: missing %q field", ErrMalformedMessage, name)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("%w: field %q is not a string", ErrMalformedMessage, name)
	}
	return value, nil
}

func parseLegacy(text string) (ChatMessage, error) {
	sender, content, ok := strings.Cut(text, ":")
	if !ok {
		return ChatMessage{}, fmt.Errorf("%w: no sender separator in %q", ErrMalformedMessage, text)
	}
	return ChatMessage{
		Sender:  strings.TrimSpace(sender),
		Content: strings.TrimSpace(content),
	}, nil
}

// Serialize encodes msg in the structured wire form. JSON string escaping
// guarantees the result never contains the delimiter byte.
func Serialize(msg ChatMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode chat message: %w", err)
	}
	return data, nil
}

// Format tags a serialized payload with the peer it came from.
func Format(peer string, payload []byte) []byte {
	line := make([]byte, 0, len(peer)+2+len(payload))
	line = append(line, peer...)
	line = append(line, ':', ' ')
	return append(line, payload...)
}

// SplitBroadcast is the inverse of Format followed by Parse. The peer part may
// itself contain colons (IPv6, host:port), so the split is on the first ": ".
func SplitBroadcast(line []byte) (string, ChatMessage, error) {
	text := strings.TrimRight(string(line), "\r\n")
	peer, payload, ok := strings.Cut(text, ": ")
	if !ok {
		return "", ChatMessage{}, fmt.Errorf("%w: broadcast without peer prefix", ErrMalformedMessage)
	}
	msg, err := Parse([]byte(payload))
	if err != nil {
		return "", ChatMessage{}, err
	}
	return peer, msg, nil
}
