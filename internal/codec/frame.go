package codec

import "encoding/binary"

const (
	entryMagic    = 0x4D45 // "ME"
	manifestMagic = 0x4D4D // "MM"

	// FormatVersion is the version stamped into every framed record.
	FormatVersion = 1

	frameHeaderSize = 8 // 2 (magic) + 2 (version) + 4 (body length)
)

// frame prepends [2B magic][2B version][4B length] to body.
func frame(magic uint16, body []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], magic)
	binary.BigEndian.PutUint16(buf[2:4], FormatVersion)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	return buf
}

// unframe validates the header and returns the body. The body must fill the
// rest of b exactly.
func unframe(magic uint16, b []byte, maxBody int) ([]byte, error) {
	if len(b) < frameHeaderSize {
		return nil, errorf(Truncated, "frame header: %d bytes", len(b))
	}
	if got := binary.BigEndian.Uint16(b[0:2]); got != magic {
		return nil, errorf(SchemaViolation, "invalid magic: 0x%04X", got)
	}
	if v := binary.BigEndian.Uint16(b[2:4]); v != FormatVersion {
		return nil, errorf(SchemaViolation, "unsupported record version: %d", v)
	}
	length := uint64(binary.BigEndian.Uint32(b[4:8]))
	if length > uint64(maxBody) {
		return nil, errorf(Oversize, "body %d > %d", length, maxBody)
	}
	rest := uint64(len(b) - frameHeaderSize)
	switch {
	case rest < length:
		return nil, errorf(Truncated, "body: have %d of %d bytes", rest, length)
	case rest > length:
		return nil, errorf(TrailingBytes, "%d bytes after body", rest-length)
	}
	return b[frameHeaderSize:], nil
}
