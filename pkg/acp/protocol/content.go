// Package protocol defines the ACP (Agent Client Protocol) wire schema:
// content blocks, session updates, the initialize handshake, and the
// permission vocabulary. All types marshal to the camelCase JSON the
// protocol specifies.
package protocol

import "encoding/json"

// Content block type discriminators.
const (
	ContentTypeText         = "text"
	ContentTypeImage        = "image"
	ContentTypeAudio        = "audio"
	ContentTypeResourceLink = "resource_link"
	ContentTypeResource     = "resource"
)

// ContentBlock is one element of a prompt or of streamed agent output.
// Type selects which of the optional fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// Text carries the payload for type "text".
	Text string `json:"text,omitempty"`

	// MimeType and Data carry base64 payloads for "image" and "audio".
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`

	// URI and Name describe a "resource_link".
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`

	// Resource carries the contents for an embedded "resource".
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ResourceContents is the inner payload of an embedded resource block.
// Exactly one of Text or Blob is set.
type ResourceContents struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// ImageBlock builds an image content block from base64 data.
func ImageBlock(mimeType, data string) ContentBlock {
	return ContentBlock{Type: ContentTypeImage, MimeType: mimeType, Data: data}
}

// ToolCallContent wraps a content block inside a tool call report.
type ToolCallContent struct {
	Type    string       `json:"type"` // always "content"
	Content ContentBlock `json:"content"`
}

// TextToolContent builds the common single-text tool call content.
func TextToolContent(text string) []ToolCallContent {
	return []ToolCallContent{{Type: "content", Content: TextBlock(text)}}
}

// RawJSON marshals v for rawInput/rawOutput fields, returning nil on failure
// so a bad payload never blocks an update.
func RawJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
