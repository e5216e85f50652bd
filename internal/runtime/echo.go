package runtime

import (
	"context"
)

const defaultChunkSize = 24

// EchoProvider streams the text prompt back as agent message chunks. It is
// the zero-dependency provider used by the foundation bundle and the test
// suites; it never calls tools.
type EchoProvider struct {
	chunkSize int
}

// NewEchoProvider builds an echo provider. Config key "chunk_size" bounds
// how many runes each delta carries.
func NewEchoProvider(config map[string]any) (Provider, error) {
	size := intField(config, "chunk_size")
	if size <= 0 {
		size = defaultChunkSize
	}
	return &EchoProvider{chunkSize: size}, nil
}

func (p *EchoProvider) Name() string { return "echo" }

func (p *EchoProvider) Complete(ctx context.Context, req Request) (<-chan Event, func() Turn, error) {
	events := make(chan Event)
	turn := Turn{StopReason: StopEndTurn}

	go func() {
		defer close(events)

		text := req.TextPrompt
		if text == "" {
			text = lastUserText(req.Messages)
		}

		if !send(ctx, events, Event{Name: "content_block:start", Data: map[string]any{"type": "text"}}) {
			turn = Turn{StopReason: StopCancelled}
			return
		}
		for _, chunk := range splitChunks(text, p.chunkSize) {
			if !send(ctx, events, Event{Name: "content_block:delta", Data: map[string]any{"type": "text", "text": chunk}}) {
				turn = Turn{StopReason: StopCancelled}
				return
			}
		}
		if !send(ctx, events, Event{Name: "content_block:end", Data: map[string]any{"type": "text"}}) {
			turn = Turn{StopReason: StopCancelled}
			return
		}
	}()

	return events, func() Turn { return turn }, nil
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func splitChunks(text string, size int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text()
		}
	}
	return ""
}

func intField(data map[string]any, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
