package codec

import (
	"errors"
	"reflect"
	"testing"

	"memvault/internal/crypto"
)

func sampleManifest() *Manifest {
	m := NewManifest()
	m.Writes = 17
	for i, id := range []string{"b", "a", "c"} {
		m.Records[id] = Record{
			ID:         id,
			Version:    uint64(i + 1),
			CreatedAt:  1000,
			UpdatedAt:  2000 + uint64(i),
			Kind:       "note",
			BlobDigest: crypto.Sum([]byte(id)),
		}
	}
	return m
}

func TestManifestRoundTrip(t *testing.T) {
	m := sampleManifest()
	got, err := DecodeManifest(EncodeManifest(m))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, m)
	}
}

func TestManifestCanonical(t *testing.T) {
	a := sampleManifest()
	// Same logical state built in a different insertion order.
	b := NewManifest()
	b.Writes = a.Writes
	for _, id := range []string{"c", "b", "a"} {
		b.Records[id] = a.Records[id]
	}
	if string(EncodeManifest(a)) != string(EncodeManifest(b)) {
		t.Fatal("equal manifests must encode identically")
	}
	if a.Digest() != b.Digest() {
		t.Fatal("equal manifests must have equal digests")
	}
	if got := a.IDs(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("IDs not sorted: %v", got)
	}
}

func TestManifestEmpty(t *testing.T) {
	got, err := DecodeManifest(EncodeManifest(NewManifest()))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Records) != 0 || got.SchemaVersion != ManifestSchemaVersion {
		t.Fatalf("unexpected empty manifest: %#v", got)
	}
}

func TestManifestDigestMismatch(t *testing.T) {
	b := EncodeManifest(sampleManifest())
	// Flip a bit inside the body but before the trailing digest field.
	b[frameHeaderSize+3] ^= 0x01
	if _, err := DecodeManifest(b); err == nil {
		t.Fatal("tampered manifest body should be rejected")
	}
}

func TestManifestTruncation(t *testing.T) {
	b := EncodeManifest(sampleManifest())
	for _, n := range []int{0, 4, frameHeaderSize, len(b) / 2, len(b) - 1} {
		if _, err := DecodeManifest(b[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("truncated to %d: got %v", n, err)
		}
	}
}

func TestManifestClone(t *testing.T) {
	m := sampleManifest()
	c := m.Clone()
	delete(c.Records, "a")
	c.Writes++
	if _, ok := m.Records["a"]; !ok || m.Writes != 17 {
		t.Fatal("clone must not share state with the original")
	}
}
