package cluster

import (
	"bytes"
	"encoding/json"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// NodeAddr identifies a node in the mesh by the TCP address it listens on.
// On the wire it travels as a two-element array: ["host", port].
type NodeAddr struct {
	Host string
	Port int
}

// String returns the dialable "host:port" form of the address.
func (a NodeAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether a is the anonymous requester used by end clients.
func (a NodeAddr) IsZero() bool {
	return a.Host == "" && a.Port <= 0
}

// MarshalJSON encodes the address as ["host", port].
func (a NodeAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Host, a.Port})
}

// UnmarshalJSON decodes the ["host", port] pair form.
func (a *NodeAddr) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return errors.Wrap(err, "node address")
	}
	if len(pair) != 2 {
		return errors.Errorf("node address: want [host, port], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.Host); err != nil {
		return errors.Wrap(err, "node address host")
	}
	if err := json.Unmarshal(pair[1], &a.Port); err != nil {
		return errors.Wrap(err, "node address port")
	}
	return nil
}

// MarshalText encodes the address as "host:port", the form used in
// configuration files.
func (a NodeAddr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes "host:port".
func (a *NodeAddr) UnmarshalText(b []byte) error {
	addr, err := ParseNodeAddr(string(b))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// ParseNodeAddr parses "host:port".
func ParseNodeAddr(s string) (NodeAddr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddr{}, errors.Wrapf(err, "parse node address %q", s)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return NodeAddr{}, errors.Wrapf(err, "parse node port %q", s)
	}
	return NodeAddr{Host: host, Port: p}, nil
}

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	// KindNull is the value of a memory item that was never written.
	KindNull ValueKind = iota
	// KindInt holds a signed integer.
	KindInt
	// KindText holds a UTF-8 string.
	KindText
)

// Value is the payload stored at a memory address. It is either null, an
// integer, or text. The store, cache and router never look inside it.
type Value struct {
	kind ValueKind
	i    int64
	s    string
}

// Null returns the empty value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// ParseValue interprets user input the way the interactive client does:
// anything that parses as a base-10 integer is an integer, the rest is text.
func ParseValue(s string) Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	return Text(s)
}

// Kind returns the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v holds no data.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the integer held by v.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsText returns the text held by v.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindText:
		return v.s
	default:
		return "<null>"
	}
}

// MarshalJSON encodes v as null, a JSON integer, or a JSON string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindText:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, integral numbers and strings.
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		return errors.New("value: empty input")
	case bytes.Equal(b, []byte("null")):
		*v = Null()
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(err, "value")
		}
		*v = Text(s)
	default:
		i, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return errors.Errorf("value: %s is neither an integer nor text", b)
		}
		*v = Int(i)
	}
	return nil
}
