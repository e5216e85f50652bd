package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeFrame parses one frame into a Message. A leading UTF-8 BOM is
// tolerated. The returned error is a *Error carrying the JSON-RPC code the
// endpoint should answer with: ParseError for malformed JSON or invalid
// UTF-8, InvalidRequest for a structurally wrong message.
func DecodeFrame(data []byte) (*Message, error) {
	data = bytes.TrimPrefix(bytes.TrimSpace(data), utf8BOM)
	if len(data) == 0 {
		return nil, NewError(ParseError, "Parse error")
	}
	if !utf8.Valid(data) {
		return nil, NewError(ParseError, "Parse error")
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, NewError(ParseError, "Parse error")
	}
	if err := validateShape(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validateShape(m *Message) *Error {
	if m.JSONRPC != Version {
		return NewError(InvalidRequest, "Invalid Request")
	}
	switch {
	case m.IsRequest(), m.IsNotification():
		if m.Result != nil || m.Error != nil {
			return NewError(InvalidRequest, "Invalid Request")
		}
		return nil
	case m.IsResponse():
		if (m.Result != nil) == (m.Error != nil) {
			return NewError(InvalidRequest, "Invalid Request")
		}
		return nil
	case m.ID == nil && m.Method == "" && m.Error != nil && m.Result == nil:
		// Error response with id null: how a peer reports a parse error
		// when it could not recover the request id.
		return nil
	default:
		return NewError(InvalidRequest, "Invalid Request")
	}
}

// EncodeFrame serializes v as exactly one line: compact JSON followed by a
// single '\n'. Newlines inside string values stay escaped, so the only 0x0A
// byte in the output is the terminator.
func EncodeFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	// json.Marshal escapes control characters inside strings, but compact
	// away any stray whitespace from custom marshalers.
	if bytes.IndexByte(data, '\n') >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return nil, fmt.Errorf("compact frame: %w", err)
		}
		data = buf.Bytes()
	}
	return append(data, '\n'), nil
}
