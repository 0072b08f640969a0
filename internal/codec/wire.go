package codec

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// fieldReader consumes protobuf-wire fields in a fixed order and rejects
// non-minimal varints, so every logical value has exactly one encoding.
type fieldReader struct {
	b []byte
}

func (r *fieldReader) done() bool { return len(r.b) == 0 }

func (r *fieldReader) peek() (protowire.Number, protowire.Type, bool) {
	if len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return 0, 0, false
	}
	return num, typ, true
}

func (r *fieldReader) tag(want protowire.Number, wantType protowire.Type, what string) error {
	if len(r.b) == 0 {
		return errorf(Truncated, "%s: missing field %d", what, want)
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return wireError(n, what)
	}
	if n != protowire.SizeTag(num) {
		return errorf(SchemaViolation, "%s: non-minimal tag", what)
	}
	if num != want || typ != wantType {
		return errorf(SchemaViolation, "%s: got field %d type %d, want field %d type %d", what, num, typ, want, wantType)
	}
	r.b = r.b[n:]
	return nil
}

func (r *fieldReader) varint(num protowire.Number, what string) (uint64, error) {
	if err := r.tag(num, protowire.VarintType, what); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, wireError(n, what)
	}
	if n != protowire.SizeVarint(v) {
		return 0, errorf(SchemaViolation, "%s: non-minimal varint", what)
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *fieldReader) fixed64(num protowire.Number, what string) (uint64, error) {
	if err := r.tag(num, protowire.Fixed64Type, what); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed64(r.b)
	if n < 0 {
		return 0, wireError(n, what)
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *fieldReader) bytes(num protowire.Number, what string) ([]byte, error) {
	if err := r.tag(num, protowire.BytesType, what); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, wireError(n, what)
	}
	if n != protowire.SizeBytes(len(v)) {
		return nil, errorf(SchemaViolation, "%s: non-minimal length", what)
	}
	r.b = r.b[n:]
	return v, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
