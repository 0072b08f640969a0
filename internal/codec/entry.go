package codec

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxPayload is the hard cap on an encoded payload (16 MiB).
const DefaultMaxPayload = 16 << 20

// entryOverhead leaves room for id, kind and the fixed fields around the payload.
const entryOverhead = 1024

// Entry is the unit of storage. Timestamps are milliseconds since the epoch.
type Entry struct {
	ID        string
	Kind      string
	Version   uint64
	CreatedAt uint64
	UpdatedAt uint64
	Payload   any
}

const (
	entryID        protowire.Number = 1
	entryKind      protowire.Number = 2
	entryVersion   protowire.Number = 3
	entryCreatedAt protowire.Number = 4
	entryUpdatedAt protowire.Number = 5
	entryPayload   protowire.Number = 6
)

// EncodeEntry returns the canonical framed bytes of e. maxPayload <= 0 means
// DefaultMaxPayload.
func EncodeEntry(e Entry, maxPayload int) ([]byte, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if !utf8.ValidString(e.Kind) {
		return nil, errorf(SchemaViolation, "kind is not valid UTF-8")
	}
	payload, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxPayload {
		return nil, errorf(Oversize, "payload %d bytes > cap %d", len(payload), maxPayload)
	}

	body := make([]byte, 0, len(payload)+len(e.ID)+len(e.Kind)+48)
	body = appendStringField(body, entryID, e.ID)
	body = appendStringField(body, entryKind, e.Kind)
	body = appendVarintField(body, entryVersion, e.Version)
	body = appendVarintField(body, entryCreatedAt, e.CreatedAt)
	body = appendVarintField(body, entryUpdatedAt, e.UpdatedAt)
	body = appendBytesField(body, entryPayload, payload)
	return frame(entryMagic, body), nil
}

// DecodeEntry parses bytes produced by EncodeEntry, rejecting truncation,
// trailing garbage and any non-canonical encoding.
func DecodeEntry(b []byte, maxPayload int) (Entry, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	body, err := unframe(entryMagic, b, maxPayload+entryOverhead)
	if err != nil {
		return Entry{}, err
	}

	r := &fieldReader{b: body}
	var e Entry
	id, err := r.bytes(entryID, "entry id")
	if err != nil {
		return Entry{}, err
	}
	kind, err := r.bytes(entryKind, "entry kind")
	if err != nil {
		return Entry{}, err
	}
	if !utf8.Valid(kind) {
		return Entry{}, errorf(SchemaViolation, "kind is not valid UTF-8")
	}
	e.ID, e.Kind = string(id), string(kind)
	if e.Version, err = r.varint(entryVersion, "entry version"); err != nil {
		return Entry{}, err
	}
	if e.CreatedAt, err = r.varint(entryCreatedAt, "entry created_at"); err != nil {
		return Entry{}, err
	}
	if e.UpdatedAt, err = r.varint(entryUpdatedAt, "entry updated_at"); err != nil {
		return Entry{}, err
	}
	payload, err := r.bytes(entryPayload, "entry payload")
	if err != nil {
		return Entry{}, err
	}
	if len(payload) > maxPayload {
		return Entry{}, errorf(Oversize, "payload %d bytes > cap %d", len(payload), maxPayload)
	}
	if !r.done() {
		return Entry{}, errorf(TrailingBytes, "%d bytes after entry fields", len(r.b))
	}
	if e.Payload, err = DecodePayload(payload); err != nil {
		return Entry{}, fmt.Errorf("entry %q payload: %w", e.ID, err)
	}
	return e, nil
}
