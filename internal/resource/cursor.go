package resource

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/concavehq/concave/internal/storage"
)

// cursorVersion is the first byte of every encoded cursor. Decoding
// rejects unknown versions so stale clients fail loudly after a format
// change.
const cursorVersion = 1

const maxCursorLen = 4096

// value type tags inside the cursor payload.
const (
	curNull byte = iota
	curString
	curInt
	curFloat
	curTrue
	curFalse
)

// cursor carries the keyset boundary of the previous page: the sort keys
// the page was ordered by and, for each key (primary-key tiebreak
// included), the boundary row's value.
type cursor struct {
	Sort   []storage.Sort
	Values []any
}

func (c *cursor) encode() (string, error) {
	if len(c.Sort) != len(c.Values) {
		return "", fmt.Errorf("cursor has %d keys but %d values", len(c.Sort), len(c.Values))
	}
	var buf bytes.Buffer
	buf.WriteByte(cursorVersion)

	var tmp [binary.MaxVarintLen64]byte
	writeUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
	}

	writeUvarint(uint64(len(c.Sort)))
	for _, s := range c.Sort {
		writeUvarint(uint64(len(s.Field)))
		buf.WriteString(s.Field)
		if s.Desc {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	for _, v := range c.Values {
		switch v := v.(type) {
		case nil:
			buf.WriteByte(curNull)
		case string:
			buf.WriteByte(curString)
			writeUvarint(uint64(len(v)))
			buf.WriteString(v)
		case int64:
			buf.WriteByte(curInt)
			n := binary.PutVarint(tmp[:], v)
			buf.Write(tmp[:n])
		case int:
			buf.WriteByte(curInt)
			n := binary.PutVarint(tmp[:], int64(v))
			buf.Write(tmp[:n])
		case float64:
			buf.WriteByte(curFloat)
			var fb [8]byte
			binary.BigEndian.PutUint64(fb[:], math.Float64bits(v))
			buf.Write(fb[:])
		case bool:
			if v {
				buf.WriteByte(curTrue)
			} else {
				buf.WriteByte(curFalse)
			}
		default:
			buf.WriteByte(curString)
			s := fmt.Sprint(v)
			writeUvarint(uint64(len(s)))
			buf.WriteString(s)
		}
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeCursor(raw string) (*cursor, error) {
	if len(raw) > maxCursorLen {
		return nil, fmt.Errorf("cursor too long")
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("cursor is not valid base64url: %w", err)
	}
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("cursor truncated")
	}
	if version != cursorVersion {
		return nil, fmt.Errorf("unsupported cursor version %d", version)
	}

	readString := func() (string, error) {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return "", err
		}
		if n > uint64(r.Len()) {
			return "", fmt.Errorf("cursor truncated")
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("cursor truncated")
	}
	if count == 0 || count > 16 {
		return nil, fmt.Errorf("cursor key count %d out of range", count)
	}

	c := &cursor{
		Sort:   make([]storage.Sort, count),
		Values: make([]any, count),
	}
	for i := range c.Sort {
		field, err := readString()
		if err != nil {
			return nil, fmt.Errorf("cursor truncated")
		}
		desc, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("cursor truncated")
		}
		c.Sort[i] = storage.Sort{Field: field, Desc: desc == 1}
	}
	for i := range c.Values {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("cursor truncated")
		}
		switch tag {
		case curNull:
			c.Values[i] = nil
		case curString:
			s, err := readString()
			if err != nil {
				return nil, fmt.Errorf("cursor truncated")
			}
			c.Values[i] = s
		case curInt:
			v, err := binary.ReadVarint(r)
			if err != nil {
				return nil, fmt.Errorf("cursor truncated")
			}
			c.Values[i] = v
		case curFloat:
			var fb [8]byte
			if _, err := r.Read(fb[:]); err != nil {
				return nil, fmt.Errorf("cursor truncated")
			}
			c.Values[i] = math.Float64frombits(binary.BigEndian.Uint64(fb[:]))
		case curTrue:
			c.Values[i] = true
		case curFalse:
			c.Values[i] = false
		default:
			return nil, fmt.Errorf("unknown cursor value tag %d", tag)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("cursor has trailing bytes")
	}
	return c, nil
}

// matchesSort reports whether the cursor was produced under the same
// effective ordering the current request asks for. A mismatched cursor is
// rejected; the client must reuse the prior orderBy or drop the cursor.
func (c *cursor) matchesSort(sorts []storage.Sort) bool {
	if len(c.Sort) != len(sorts) {
		return false
	}
	for i, s := range sorts {
		if c.Sort[i] != s {
			return false
		}
	}
	return true
}
