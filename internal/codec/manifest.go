package codec

import (
	"math"
	"slices"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"memvault/internal/crypto"
)

// ManifestSchemaVersion is the only manifest schema this package reads.
const ManifestSchemaVersion = 1

// Record is the manifest's view of one entry.
type Record struct {
	ID         string
	Version    uint64
	CreatedAt  uint64
	UpdatedAt  uint64
	Kind       string
	BlobDigest crypto.Digest
}

// Manifest is the authoritative index of a store. Writes counts every AEAD
// seal performed under the store key.
type Manifest struct {
	SchemaVersion uint32
	Writes        uint64
	Records       map[string]Record
}

// NewManifest returns an empty manifest at the current schema version.
func NewManifest() *Manifest {
	return &Manifest{
		SchemaVersion: ManifestSchemaVersion,
		Records:       make(map[string]Record),
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		SchemaVersion: m.SchemaVersion,
		Writes:        m.Writes,
		Records:       make(map[string]Record, len(m.Records)),
	}
	for k, v := range m.Records {
		out.Records[k] = v
	}
	return out
}

// IDs returns the record ids in ascending byte order.
func (m *Manifest) IDs() []string {
	ids := make([]string, 0, len(m.Records))
	for id := range m.Records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

const (
	manSchema  protowire.Number = 1
	manWrites  protowire.Number = 2
	manRecord  protowire.Number = 3
	manDigest  protowire.Number = 15
	recID      protowire.Number = 1
	recVersion protowire.Number = 2
	recCreated protowire.Number = 3
	recUpdated protowire.Number = 4
	recKind    protowire.Number = 5
	recDigest  protowire.Number = 6
)

// Body returns the canonical manifest body without its trailing digest.
// Equal logical states produce identical bytes.
func (m *Manifest) Body() []byte {
	var b []byte
	b = appendVarintField(b, manSchema, uint64(m.SchemaVersion))
	b = appendVarintField(b, manWrites, m.Writes)
	for _, id := range m.IDs() {
		r := m.Records[id]
		var rec []byte
		rec = appendStringField(rec, recID, r.ID)
		rec = appendVarintField(rec, recVersion, r.Version)
		rec = appendVarintField(rec, recCreated, r.CreatedAt)
		rec = appendVarintField(rec, recUpdated, r.UpdatedAt)
		rec = appendStringField(rec, recKind, r.Kind)
		rec = appendBytesField(rec, recDigest, r.BlobDigest[:])
		b = appendBytesField(b, manRecord, rec)
	}
	return b
}

// Digest is the manifest_digest: BLAKE2b-256 over Body.
func (m *Manifest) Digest() crypto.Digest {
	return crypto.Sum(m.Body())
}

// EncodeManifest frames the body followed by its digest.
func EncodeManifest(m *Manifest) []byte {
	body := m.Body()
	d := crypto.Sum(body)
	body = appendBytesField(body, manDigest, d[:])
	return frame(manifestMagic, body)
}

// DecodeManifest parses and checks a manifest plaintext.
func DecodeManifest(b []byte) (*Manifest, error) {
	body, err := unframe(manifestMagic, b, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	r := &fieldReader{b: body}
	m := NewManifest()

	schema, err := r.varint(manSchema, "manifest schema_version")
	if err != nil {
		return nil, err
	}
	if schema != ManifestSchemaVersion {
		return nil, errorf(SchemaViolation, "unsupported manifest schema %d", schema)
	}
	if m.Writes, err = r.varint(manWrites, "manifest writes"); err != nil {
		return nil, err
	}

	var prev string
	for {
		num, _, ok := r.peek()
		if !ok || num != manRecord {
			break
		}
		raw, err := r.bytes(manRecord, "manifest record")
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		if len(m.Records) > 0 && rec.ID <= prev {
			return nil, errorf(SchemaViolation, "manifest records out of order at %q", rec.ID)
		}
		m.Records[rec.ID] = rec
		prev = rec.ID
	}

	covered := len(body) - len(r.b)
	digest, err := r.bytes(manDigest, "manifest digest")
	if err != nil {
		return nil, err
	}
	if len(digest) != crypto.DigestSize {
		return nil, errorf(SchemaViolation, "manifest digest is %d bytes", len(digest))
	}
	if !r.done() {
		return nil, errorf(TrailingBytes, "%d bytes after manifest digest", len(r.b))
	}
	var want crypto.Digest
	copy(want[:], digest)
	if !crypto.Sum(body[:covered]).Equal(want) {
		return nil, errorf(SchemaViolation, "manifest digest mismatch")
	}
	return m, nil
}

func decodeRecord(b []byte) (Record, error) {
	r := &fieldReader{b: b}
	var rec Record
	id, err := r.bytes(recID, "record id")
	if err != nil {
		return Record{}, err
	}
	rec.ID = string(id)
	if rec.Version, err = r.varint(recVersion, "record version"); err != nil {
		return Record{}, err
	}
	if rec.CreatedAt, err = r.varint(recCreated, "record created_at"); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = r.varint(recUpdated, "record updated_at"); err != nil {
		return Record{}, err
	}
	kind, err := r.bytes(recKind, "record kind")
	if err != nil {
		return Record{}, err
	}
	if !utf8.Valid(kind) {
		return Record{}, errorf(SchemaViolation, "record kind is not valid UTF-8")
	}
	rec.Kind = string(kind)
	digest, err := r.bytes(recDigest, "record blob_digest")
	if err != nil {
		return Record{}, err
	}
	if len(digest) != crypto.DigestSize {
		return Record{}, errorf(SchemaViolation, "blob digest is %d bytes", len(digest))
	}
	copy(rec.BlobDigest[:], digest)
	if !r.done() {
		return Record{}, errorf(SchemaViolation, "record %q has %d extra bytes", rec.ID, len(r.b))
	}
	return rec, nil
}
