package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageID identifies a message either by the backend's numeric id or by a
// client-generated provisional token. Exactly one of the two is set. The two
// kinds are never compared for ordering.
type MessageID struct {
	Server      int64
	Provisional string
}

// ServerID wraps a backend-assigned id.
func ServerID(id int64) MessageID { return MessageID{Server: id} }

// ProvisionalID wraps a client-generated token.
func ProvisionalID(token string) MessageID { return MessageID{Provisional: token} }

// IsProvisional reports whether the id was generated locally.
func (id MessageID) IsProvisional() bool { return id.Provisional != "" }

// IsZero reports whether no id is set.
func (id MessageID) IsZero() bool { return id.Server == 0 && id.Provisional == "" }

// Key returns a map key unique across both id kinds.
func (id MessageID) Key() string {
	if id.IsProvisional() {
		return "p:" + id.Provisional
	}
	return "s:" + strconv.FormatInt(id.Server, 10)
}

func (id MessageID) String() string {
	if id.IsProvisional() {
		return id.Provisional
	}
	return strconv.FormatInt(id.Server, 10)
}

// ParseMessageID reads the textual form used in URLs: digits are server
// ids, anything else is provisional.
func ParseMessageID(s string) (MessageID, error) {
	if s == "" {
		return MessageID{}, fmt.Errorf("empty message id")
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return MessageID{}, fmt.Errorf("invalid server message id %q: %w", s, err)
		}
		return ServerID(n), nil
	}
	return ProvisionalID(s), nil
}

// MarshalJSON writes server ids as numbers and provisional ids as strings.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.IsProvisional() {
		return json.Marshal(id.Provisional)
	}
	if id.Server == 0 {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(id.Server, 10)), nil
}

// UnmarshalJSON accepts a number, a numeric string, or an opaque string.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = MessageID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = MessageID{}
			return nil
		}
		parsed, err := ParseMessageID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("message id %s is neither a number nor a string: %w", data, err)
	}
	*id = ServerID(n)
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
