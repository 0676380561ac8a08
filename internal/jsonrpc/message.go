// Package jsonrpc defines the JSON-RPC 2.0 envelope exchanged with clients.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Version is the only accepted value of the jsonrpc member.
const Version = "2.0"

// Reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a request identifier. It keeps the raw JSON so string and number ids
// are echoed back exactly as received.
type ID struct {
	raw json.RawMessage
}

// StringID returns a string identifier.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IntID returns a numeric identifier.
func IntID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// NullID is used for responses whose request id could not be determined.
func NullID() *ID { return &ID{raw: json.RawMessage("null")} }

// IsNull reports whether the id is absent or JSON null.
func (id ID) IsNull() bool {
	return len(id.raw) == 0 || bytes.Equal(id.raw, []byte("null"))
}

// String returns the raw JSON form, usable as a map key.
func (id ID) String() string {
	if len(id.raw) == 0 {
		return "null"
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("empty id")
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
	case bytes.Equal(b, []byte("null")):
	default:
		return fmt.Errorf("id must be a string, number or null")
	}
	id.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Message is a request, notification or response envelope.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification reports whether no response is expected.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (m.ID == nil || m.ID.IsNull())
}

// IsRequest reports whether m is a request expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil && !m.ID.IsNull()
}

// IsResponse reports whether m carries a result or an error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Error is the error member of a response. It implements error so handlers
// can return protocol failures directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Errors reported by Decode.
var (
	ErrParse          = errors.New("parse error")
	ErrInvalidRequest = errors.New("invalid request")
)

// Decode parses a single envelope. Malformed JSON yields an error wrapping
// ErrParse; well-formed JSON that is not a valid envelope wraps
// ErrInvalidRequest and returns whatever id could be recovered.
func Decode(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrParse)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: envelope must be an object", ErrInvalidRequest)
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return recoverID(trimmed), fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if m.JSONRPC != Version {
		return &m, fmt.Errorf("%w: jsonrpc must be %q", ErrInvalidRequest, Version)
	}
	if m.Method == "" && m.Result == nil && m.Error == nil {
		return &m, fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	if len(m.Params) > 0 {
		switch bytes.TrimSpace(m.Params)[0] {
		case '{', '[', 'n':
		default:
			return &m, fmt.Errorf("%w: params must be structured", ErrInvalidRequest)
		}
	}
	return &m, nil
}

func recoverID(data []byte) *Message {
	var probe struct {
		ID *ID `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	return &Message{ID: probe.ID}
}

// Encode serializes m, filling in the version tag.
func Encode(m *Message) ([]byte, error) {
	m.JSONRPC = Version
	return json.Marshal(m)
}

// NewResult builds a response carrying result.
func NewResult(id *ID, result any) (*Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if id == nil {
		id = NullID()
	}
	return &Message{JSONRPC: Version, ID: id, Result: b}, nil
}

// NewErrorResponse builds an error response. A nil id is encoded as null.
func NewErrorResponse(id *ID, err *Error) *Message {
	if id == nil {
		id = NullID()
	}
	return &Message{JSONRPC: Version, ID: id, Error: err}
}

// NewNotification builds a server-to-client notification.
func NewNotification(method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		m.Params = b
	}
	return m, nil
}
