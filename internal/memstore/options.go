package memstore

import (
	"time"

	"memvault/internal/codec"
	"memvault/internal/crypto"
)

const (
	// WarnWrites is the write count past which every open and commit logs a
	// rekey warning.
	WarnWrites uint64 = 1 << 32
	// MaxWrites is the soft cap on encryptions under one store key.
	MaxWrites uint64 = 1 << 40

	// MaxKindLen bounds the kind tag in bytes.
	MaxKindLen = 128
)

// Options tunes a Store. The zero value uses defaults.
type Options struct {
	// KDF is used only when creating a new store. Existing stores use the
	// parameters persisted in header.json.
	KDF crypto.KDFParams

	// MaxPayload caps the encoded payload size in bytes.
	MaxPayload int

	// Journal enables the operation journal in <dir>/journal.db.
	Journal bool

	// Now overrides the clock.
	Now func() time.Time

	hooks *hooks
}

// hooks lets tests stop a write at a precise point, simulating a crash.
// A non-nil error aborts the operation without any cleanup. dirSync, when
// set, replaces the directory fsync.
type hooks struct {
	afterPending func(id string) error
	afterCommit  func(id string) error
	dirSync      func(dir string) error
}

func (o Options) withDefaults() Options {
	if o.KDF == (crypto.KDFParams{}) {
		o.KDF = crypto.DefaultKDFParams()
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = codec.DefaultMaxPayload
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.hooks == nil {
		o.hooks = &hooks{}
	}
	return o
}
