// Package runtime executes prompt turns against a completion provider and
// emits the lifecycle events the rest of the agent observes.
package runtime

import (
	"encoding/json"
	"time"
)

// Block is one element of the internal prompt format. Text blocks carry
// Text; image blocks carry a base64 Source.
type Block struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the payload of an image block.
type ImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// NewTextBlock builds an internal text block.
func NewTextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

// NewImageBlock builds an internal base64 image block.
func NewImageBlock(mediaType, data string) Block {
	return Block{
		Type: "image",
		Source: &ImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		},
	}
}

// Message is one entry of a session's message log.
type Message struct {
	Role      string    `json:"role"`
	Content   []Block   `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// Text concatenates the text blocks of a message, one per line.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// MarshalArgs renders tool arguments for raw_input payloads. Returns nil
// when the arguments cannot be encoded.
func MarshalArgs(args map[string]any) json.RawMessage {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return data
}
