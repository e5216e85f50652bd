// Package convert turns ACP prompt content into the internal prompt format
// the completion providers consume.
package convert

import (
	"fmt"
	"strings"

	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/pkg/acp/protocol"
)

// SupportedImageTypes lists the image MIME types providers accept.
var SupportedImageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// FallbackText is injected when a prompt carries neither text nor images.
const FallbackText = "Please provide content with text or images."

const (
	audioWarning    = "Audio content is not currently supported."
	resourceWarning = "External resource links cannot be fetched. Please embed content directly."
)

// Prompt is the converter output: the internal blocks, the joined text for
// single-modal providers, and any warnings to surface to the client.
type Prompt struct {
	Blocks     []runtime.Block
	TextPrompt string
	Warnings   []string
}

// ContentBlocks converts an ordered list of ACP content blocks. Unsupported
// content is dropped with a warning rather than failing the prompt.
func ContentBlocks(blocks []protocol.ContentBlock) Prompt {
	var out Prompt
	var textParts []string

	for _, block := range blocks {
		switch block.Type {
		case protocol.ContentTypeText:
			out.Blocks = append(out.Blocks, runtime.NewTextBlock(block.Text))
			textParts = append(textParts, block.Text)

		case protocol.ContentTypeImage:
			if !imageTypeSupported(block.MimeType) {
				out.Warnings = append(out.Warnings, unsupportedImageWarning(block.MimeType))
				continue
			}
			out.Blocks = append(out.Blocks, runtime.NewImageBlock(block.MimeType, block.Data))

		case protocol.ContentTypeAudio:
			out.Warnings = append(out.Warnings, audioWarning)

		case protocol.ContentTypeResourceLink:
			out.Warnings = append(out.Warnings, resourceWarning)

		case protocol.ContentTypeResource:
			if block.Resource == nil {
				continue
			}
			if block.Resource.Text != "" {
				text := block.Resource.Text
				if block.Resource.URI != "" {
					text = fmt.Sprintf("[Resource: %s]\n%s", block.Resource.URI, text)
				}
				out.Blocks = append(out.Blocks, runtime.NewTextBlock(text))
				textParts = append(textParts, text)
				continue
			}
			if block.Resource.Blob != "" {
				if !imageTypeSupported(block.Resource.MimeType) {
					out.Warnings = append(out.Warnings, unsupportedImageWarning(block.Resource.MimeType))
					continue
				}
				out.Blocks = append(out.Blocks, runtime.NewImageBlock(block.Resource.MimeType, block.Resource.Blob))
			}

		default:
			out.Warnings = append(out.Warnings, fmt.Sprintf("Unsupported content type: %q.", block.Type))
		}
	}

	out.TextPrompt = strings.Join(textParts, "\n")

	if !hasTextOrImage(out.Blocks) {
		out.TextPrompt = FallbackText
	}

	return out
}

func imageTypeSupported(mimeType string) bool {
	for _, supported := range SupportedImageTypes {
		if mimeType == supported {
			return true
		}
	}
	return false
}

func unsupportedImageWarning(mimeType string) string {
	return fmt.Sprintf("Unsupported image MIME type: %s. Supported types: %s.",
		mimeType, strings.Join(SupportedImageTypes, ", "))
}

func hasTextOrImage(blocks []runtime.Block) bool {
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "image" {
			return true
		}
	}
	return false
}
