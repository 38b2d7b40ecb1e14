// Package ingress connects the queue to a message broker: Bridge turns broker
// messages into enqueued jobs and Publisher lets producers enqueue through the broker.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/RezaEskandarii/firequeue/internal/constants"
)

// Message is the broker wire format of a job request.
type Message struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

func encodeMessage(jobType string, payload []byte, maxAttempts int) ([]byte, error) {
	msg := Message{Type: jobType, MaxAttempts: maxAttempts}
	if len(payload) > 0 {
		if json.Valid(payload) {
			msg.Payload = payload
		} else {
			// opaque bytes travel as a JSON string
			quoted, err := json.Marshal(string(payload))
			if err != nil {
				return nil, err
			}
			msg.Payload = quoted
		}
	}
	return json.Marshal(msg)
}

func decodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("invalid message: %w", err)
	}
	if strings.TrimSpace(msg.Type) == "" {
		return msg, errors.New("invalid message: type is required")
	}
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = constants.DefaultMaxAttempts
	}
	if msg.MaxAttempts < 0 {
		return msg, fmt.Errorf("invalid message: max_attempts %d", msg.MaxAttempts)
	}
	return msg, nil
}

// payloadBytes undoes the string wrapping applied by encodeMessage.
func (m Message) payloadBytes() []byte {
	if len(m.Payload) == 0 {
		return nil
	}
	var s string
	if m.Payload[0] == '"' && json.Unmarshal(m.Payload, &s) == nil {
		return []byte(s)
	}
	return []byte(m.Payload)
}
