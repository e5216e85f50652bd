package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request id. The wire form is either a number or a string;
// both are preserved so responses correlate byte-for-byte with their request.
type ID struct {
	Num int64
	Str string
	// IsString selects which field carries the value.
	IsString bool
}

// NumberID builds a numeric id.
func NumberID(n int64) ID { return ID{Num: n} }

// StringID builds a string id.
func StringID(s string) ID { return ID{Str: s, IsString: true} }

// String renders the id for logs and map keys. String ids are quoted so
// "1" and 1 never collide.
func (id ID) String() string {
	if id.IsString {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatInt(id.Num, 10)
}

// Equal reports whether two ids are the same wire value.
func (id ID) Equal(other ID) bool {
	if id.IsString != other.IsString {
		return false
	}
	if id.IsString {
		return id.Str == other.Str
	}
	return id.Num == other.Num
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsString {
		return json.Marshal(id.Str)
	}
	return json.Marshal(id.Num)
}

// UnmarshalJSON implements json.Unmarshaler. Fractional numeric ids are
// rejected; JSON-RPC 2.0 says ids SHOULD NOT contain fractional parts and
// correlation on them would be unreliable.
func (id *ID) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		*id = StringID(val)
		return nil
	case float64:
		n := int64(val)
		if float64(n) != val {
			return fmt.Errorf("fractional request id %v", val)
		}
		*id = NumberID(n)
		return nil
	default:
		return fmt.Errorf("request id must be a number or string, got %T", v)
	}
}
