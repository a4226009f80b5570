// Package bencode implements the bencode codec used by torrent metainfo
// files and HTTP tracker responses: integers (i<d>e), byte strings
// (<len>:<bytes>), lists (l...e) and dictionaries (d...e) with
// lexicographically sorted keys.
//
// Unlike a struct-tag unmarshaller, Decode keeps the exact byte span each
// value was parsed from (Value.Raw). That span is what metainfo.Load hashes
// to derive the info-hash: re-encoding a dictionary whose producer emitted
// keys out of order would not reproduce the original bytes, so the hash
// must be taken over the wire bytes, not a round-tripped representation.
package bencode

import (
	"errors"
	"fmt"
	"sort"
)

// Kind identifies which of the four bencode value shapes a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// ErrMalformedBencode is the sentinel wrapped by every decode failure.
var ErrMalformedBencode = errors.New("malformed bencode")

// Value is a decoded bencode value together with the raw bytes it was
// parsed from.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []*Value
	Dict map[string]*Value

	raw []byte
}

// Raw returns the exact input bytes this value was decoded from.
func (v *Value) Raw() []byte {
	return v.raw
}

// Equal reports whether two values represent the same bencode tree,
// ignoring raw spans.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == other.Int
	case KindString:
		return string(v.Str) == string(other.Str)
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.Dict) != len(other.Dict) {
			return false
		}
		for k, val := range v.Dict {
			ov, ok := other.Dict[k]
			if !ok || !val.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Int, Bytes, String, List and Dict build values programmatically (used by
// tests, and by Encode for dictionary keys).

func Int(i int64) *Value            { return &Value{Kind: KindInt, Int: i} }
func Bytes(b []byte) *Value         { return &Value{Kind: KindString, Str: b} }
func String(s string) *Value        { return &Value{Kind: KindString, Str: []byte(s)} }
func List(vs ...*Value) *Value      { return &Value{Kind: KindList, List: vs} }
func Dict(m map[string]*Value) *Value { return &Value{Kind: KindDict, Dict: m} }

// decoder walks a byte slice left to right, tracking position so every
// decoded Value can remember its raw span.
type decoder struct {
	data   []byte
	pos    int
	strict bool
}

// Decode parses a single bencode value from the start of data and returns
// it along with any unconsumed trailing bytes. When strict is true,
// dictionary keys must be unique byte strings in ascending lexicographic
// order (the canonical form); a violation is a MalformedBencode error.
// Metainfo files in the wild are decoded with strict=false since some
// producers emit keys out of order (§4.1); our own encoder always emits
// canonical output.
func Decode(data []byte, strict bool) (*Value, []byte, error) {
	d := &decoder{data: data, strict: strict}
	v, err := d.decodeValue()
	if err != nil {
		return nil, nil, err
	}
	return v, d.data[d.pos:], nil
}

func (d *decoder) decodeValue() (*Value, error) {
	if d.pos >= len(d.data) {
		return nil, fmt.Errorf("%w: unexpected end of input", ErrMalformedBencode)
	}
	start := d.pos
	var v *Value
	var err error
	switch c := d.data[d.pos]; {
	case c == 'i':
		v, err = d.decodeInt()
	case c == 'l':
		v, err = d.decodeList()
	case c == 'd':
		v, err = d.decodeDict()
	case c >= '0' && c <= '9':
		v, err = d.decodeString()
	default:
		return nil, fmt.Errorf("%w: unexpected byte %q at offset %d", ErrMalformedBencode, c, d.pos)
	}
	if err != nil {
		return nil, err
	}
	v.raw = d.data[start:d.pos]
	return v, nil
}

func (d *decoder) decodeInt() (*Value, error) {
	// i<digits>e ; digits may have a leading '-' but not a leading zero
	// (except for the literal value zero itself).
	end := d.indexFrom(d.pos+1, 'e')
	if end < 0 {
		return nil, fmt.Errorf("%w: integer missing terminator", ErrMalformedBencode)
	}
	digits := d.data[d.pos+1 : end]
	if len(digits) == 0 {
		return nil, fmt.Errorf("%w: empty integer", ErrMalformedBencode)
	}
	neg := digits[0] == '-'
	numStart := 0
	if neg {
		numStart = 1
	}
	if numStart >= len(digits) {
		return nil, fmt.Errorf("%w: malformed integer", ErrMalformedBencode)
	}
	if digits[numStart] == '0' && len(digits) > numStart+1 {
		return nil, fmt.Errorf("%w: integer has leading zero", ErrMalformedBencode)
	}
	var n int64
	for _, c := range digits[numStart:] {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: non-digit %q in integer", ErrMalformedBencode, c)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	d.pos = end + 1
	return &Value{Kind: KindInt, Int: n}, nil
}

func (d *decoder) decodeString() (*Value, error) {
	colon := d.indexFrom(d.pos, ':')
	if colon < 0 {
		return nil, fmt.Errorf("%w: string missing length/colon separator", ErrMalformedBencode)
	}
	lenDigits := d.data[d.pos:colon]
	if len(lenDigits) == 0 {
		return nil, fmt.Errorf("%w: missing string length", ErrMalformedBencode)
	}
	var length int
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: non-digit %q in string length", ErrMalformedBencode, c)
		}
		length = length*10 + int(c-'0')
	}
	start := colon + 1
	end := start + length
	if end > len(d.data) || end < start {
		return nil, fmt.Errorf("%w: string length %d exceeds remaining input", ErrMalformedBencode, length)
	}
	d.pos = end
	return &Value{Kind: KindString, Str: d.data[start:end]}, nil
}

func (d *decoder) decodeList() (*Value, error) {
	d.pos++ // consume 'l'
	var items []*Value
	for {
		if d.pos >= len(d.data) {
			return nil, fmt.Errorf("%w: list missing terminator", ErrMalformedBencode)
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return &Value{Kind: KindList, List: items}, nil
		}
		v, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
}

func (d *decoder) decodeDict() (*Value, error) {
	d.pos++ // consume 'd'
	m := make(map[string]*Value)
	var lastKey string
	haveLast := false
	for {
		if d.pos >= len(d.data) {
			return nil, fmt.Errorf("%w: dict missing terminator", ErrMalformedBencode)
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return &Value{Kind: KindDict, Dict: m}, nil
		}
		if d.data[d.pos] < '0' || d.data[d.pos] > '9' {
			return nil, fmt.Errorf("%w: dict key must be a byte string", ErrMalformedBencode)
		}
		keyVal, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		key := string(keyVal.Str)
		if d.strict {
			if _, dup := m[key]; dup {
				return nil, fmt.Errorf("%w: duplicate dict key %q", ErrMalformedBencode, key)
			}
			if haveLast && key <= lastKey {
				return nil, fmt.Errorf("%w: dict keys not in ascending order (%q after %q)", ErrMalformedBencode, key, lastKey)
			}
		}
		val, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		m[key] = val
		lastKey = key
		haveLast = true
	}
}

func (d *decoder) indexFrom(from int, b byte) int {
	for i := from; i < len(d.data); i++ {
		if d.data[i] == b {
			return i
		}
	}
	return -1
}

// Encode produces the canonical bencode representation of v: dictionary
// keys are always emitted in ascending lexicographic order regardless of
// the order map iteration would otherwise give, so Encode(Decode(b)) need
// not equal b bit-for-bit unless b was already canonical, but
// Decode(Encode(v)) always equals v.
func Encode(v *Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v *Value) []byte {
	switch v.Kind {
	case KindInt:
		buf = append(buf, 'i')
		buf = append(buf, []byte(fmt.Sprintf("%d", v.Int))...)
		buf = append(buf, 'e')
	case KindString:
		buf = append(buf, []byte(fmt.Sprintf("%d:", len(v.Str)))...)
		buf = append(buf, v.Str...)
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendValue(buf, String(k))
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
	}
	return buf
}
