package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxDepth bounds payload nesting.
const MaxDepth = 64

// Payload value field numbers. A value is a message with exactly one of them.
const (
	valNull   protowire.Number = 1
	valBool   protowire.Number = 2
	valInt    protowire.Number = 3
	valFloat  protowire.Number = 4
	valString protowire.Number = 5
	valBytes  protowire.Number = 6
	valList   protowire.Number = 7
	valMap    protowire.Number = 8

	itemField protowire.Number = 1
	keyField  protowire.Number = 1
	elemField protowire.Number = 2
)

// EncodePayload canonically encodes a payload tree. Accepted leaves are nil,
// bool, signed and unsigned integers (normalized to int64), float32/float64,
// json.Number, string and []byte; containers are []any, []string,
// map[string]any and map[string]string. Map keys are written in byte order.
func EncodePayload(v any) ([]byte, error) {
	return appendValue(nil, v, 0)
}

func appendValue(b []byte, v any, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, errorf(SchemaViolation, "payload nested deeper than %d", MaxDepth)
	}
	switch x := v.(type) {
	case nil:
		return appendVarintField(b, valNull, 0), nil
	case bool:
		var u uint64
		if x {
			u = 1
		}
		return appendVarintField(b, valBool, u), nil
	case int:
		return appendInt(b, int64(x)), nil
	case int8:
		return appendInt(b, int64(x)), nil
	case int16:
		return appendInt(b, int64(x)), nil
	case int32:
		return appendInt(b, int64(x)), nil
	case int64:
		return appendInt(b, x), nil
	case uint:
		return appendUint(b, uint64(x))
	case uint8:
		return appendInt(b, int64(x)), nil
	case uint16:
		return appendInt(b, int64(x)), nil
	case uint32:
		return appendInt(b, int64(x)), nil
	case uint64:
		return appendUint(b, x)
	case float32:
		return appendFloat(b, float64(x)), nil
	case float64:
		return appendFloat(b, x), nil
	case json.Number:
		n, err := numberValue(x)
		if err != nil {
			return nil, err
		}
		return appendValue(b, n, depth)
	case string:
		if !utf8.ValidString(x) {
			return nil, errorf(SchemaViolation, "string is not valid UTF-8")
		}
		return appendStringField(b, valString, x), nil
	case []byte:
		return appendBytesField(b, valBytes, x), nil
	case []any:
		var inner []byte
		for _, item := range x {
			enc, err := appendValue(nil, item, depth+1)
			if err != nil {
				return nil, err
			}
			inner = appendBytesField(inner, itemField, enc)
		}
		return appendBytesField(b, valList, inner), nil
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return appendValue(b, items, depth)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var inner []byte
		for _, k := range keys {
			if !utf8.ValidString(k) {
				return nil, errorf(SchemaViolation, "map key is not valid UTF-8")
			}
			enc, err := appendValue(nil, x[k], depth+1)
			if err != nil {
				return nil, err
			}
			var pair []byte
			pair = appendStringField(pair, keyField, k)
			pair = appendBytesField(pair, elemField, enc)
			inner = appendBytesField(inner, itemField, pair)
		}
		return appendBytesField(b, valMap, inner), nil
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return appendValue(b, m, depth)
	default:
		return nil, errorf(SchemaViolation, "unsupported payload type %T", v)
	}
}

func appendInt(b []byte, v int64) []byte {
	return appendVarintField(b, valInt, protowire.EncodeZigZag(v))
}

func appendUint(b []byte, v uint64) ([]byte, error) {
	if v > math.MaxInt64 {
		return nil, errorf(SchemaViolation, "integer %d overflows int64", v)
	}
	return appendInt(b, int64(v)), nil
}

func appendFloat(b []byte, v float64) []byte {
	b = protowire.AppendTag(b, valFloat, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func numberValue(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, errorf(SchemaViolation, "invalid number %q", n.String())
	}
	return f, nil
}

// DecodePayload is the inverse of EncodePayload. Decoded trees contain only
// nil, bool, int64, float64, string, []byte, []any and map[string]any.
func DecodePayload(b []byte) (any, error) {
	return decodeValue(b, 0)
}

func decodeValue(b []byte, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, errorf(SchemaViolation, "payload nested deeper than %d", MaxDepth)
	}
	r := &fieldReader{b: b}
	num, _, ok := r.peek()
	if !ok {
		if len(b) == 0 {
			return nil, errorf(Truncated, "empty value")
		}
		_, _, n := protowire.ConsumeTag(b)
		return nil, wireError(n, "value")
	}

	var (
		out any
		err error
	)
	switch num {
	case valNull:
		var v uint64
		if v, err = r.varint(valNull, "null"); err == nil && v != 0 {
			err = errorf(SchemaViolation, "null carries %d", v)
		}
	case valBool:
		var v uint64
		if v, err = r.varint(valBool, "bool"); err == nil {
			if v > 1 {
				err = errorf(SchemaViolation, "bool carries %d", v)
			}
			out = v == 1
		}
	case valInt:
		var v uint64
		if v, err = r.varint(valInt, "int"); err == nil {
			out = protowire.DecodeZigZag(v)
		}
	case valFloat:
		var v uint64
		if v, err = r.fixed64(valFloat, "float"); err == nil {
			out = math.Float64frombits(v)
		}
	case valString:
		var v []byte
		if v, err = r.bytes(valString, "string"); err == nil {
			if !utf8.Valid(v) {
				err = errorf(SchemaViolation, "string is not valid UTF-8")
			}
			out = string(v)
		}
	case valBytes:
		var v []byte
		if v, err = r.bytes(valBytes, "bytes"); err == nil {
			out = append([]byte{}, v...)
		}
	case valList:
		var v []byte
		if v, err = r.bytes(valList, "list"); err == nil {
			out, err = decodeList(v, depth)
		}
	case valMap:
		var v []byte
		if v, err = r.bytes(valMap, "map"); err == nil {
			out, err = decodeMap(v, depth)
		}
	default:
		err = errorf(SchemaViolation, "unknown value field %d", num)
	}
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, errorf(SchemaViolation, "value has %d extra bytes", len(r.b))
	}
	return out, nil
}

func decodeList(b []byte, depth int) ([]any, error) {
	r := &fieldReader{b: b}
	out := []any{}
	for !r.done() {
		raw, err := r.bytes(itemField, "list item")
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(raw, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeMap(b []byte, depth int) (map[string]any, error) {
	r := &fieldReader{b: b}
	out := map[string]any{}
	first := true
	var prev string
	for !r.done() {
		raw, err := r.bytes(itemField, "map entry")
		if err != nil {
			return nil, err
		}
		pr := &fieldReader{b: raw}
		k, err := pr.bytes(keyField, "map key")
		if err != nil {
			return nil, err
		}
		enc, err := pr.bytes(elemField, "map value")
		if err != nil {
			return nil, err
		}
		if !pr.done() {
			return nil, errorf(SchemaViolation, "map entry has %d extra bytes", len(pr.b))
		}
		key := string(k)
		if !utf8.ValidString(key) {
			return nil, errorf(SchemaViolation, "map key is not valid UTF-8")
		}
		if !first && key <= prev {
			return nil, errorf(SchemaViolation, "map keys out of order at %q", key)
		}
		v, err := decodeValue(enc, depth+1)
		if err != nil {
			return nil, err
		}
		out[key] = v
		prev, first = key, false
	}
	return out, nil
}

// PayloadFromJSON decodes a JSON document into a payload tree. Integral
// numbers that fit become int64, all other numbers float64.
func PayloadFromJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parsing json payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errorf(TrailingBytes, "json payload has data after the first document")
	}
	return normalizeJSON(v)
}

func normalizeJSON(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		return numberValue(x)
	case []any:
		for i := range x {
			n, err := normalizeJSON(x[i])
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	case map[string]any:
		for k := range x {
			n, err := normalizeJSON(x[k])
			if err != nil {
				return nil, err
			}
			x[k] = n
		}
		return x, nil
	default:
		return v, nil
	}
}

// PayloadToJSON renders a payload tree as JSON. []byte leaves become base64
// strings, so the conversion is lossy for binary data.
func PayloadToJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rendering payload as json: %w", err)
	}
	return b, nil
}
