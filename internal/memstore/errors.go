package memstore

import (
	"errors"
	"fmt"

	"memvault/internal/codec"
	"memvault/internal/crypto"
	"memvault/internal/fsstore"
)

var (
	// ErrAuth means the store could not be authenticated at open: either the
	// passphrase is wrong or manifest.bin was tampered with. The two are not
	// distinguished.
	ErrAuth = errors.New("memstore: authentication failed")

	ErrNotFound     = errors.New("memstore: entry not found")
	ErrClosed       = errors.New("memstore: store is closed")
	ErrInvalidEntry = errors.New("memstore: invalid entry")

	// ErrNonceBudget is returned once the store has performed MaxWrites
	// encryptions. The only remedy is a rekey: create a new store and copy
	// the entries over.
	ErrNonceBudget = errors.New("memstore: nonce budget exhausted, rekey required")

	// ErrNotDurable accompanies a mutation that committed but whose directory
	// sync failed. The new state is visible and stays in effect.
	ErrNotDurable = fsstore.ErrRenamed

	// ErrIntegrity matches any *IntegrityError with errors.Is.
	ErrIntegrity = &IntegrityError{}
)

// Lower-level error types, re-exported so callers need a single import.
type (
	CodecError = codec.Error
	StoreError = fsstore.Error
	KDFError   = crypto.KDFError
)

// Which says how an entry's on-disk state disagrees with the manifest.
type Which string

const (
	Missing  Which = "missing"
	Tampered Which = "tampered"
)

// IntegrityError reports an entry whose blob is absent, does not match its
// manifest digest, or fails authentication.
type IntegrityError struct {
	ID    string
	Which Which
	Err   error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("memstore: integrity error: entry %q %s", e.ID, e.Which)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Is matches another *IntegrityError; an empty Which in target matches any.
func (e *IntegrityError) Is(target error) bool {
	t, ok := target.(*IntegrityError)
	if !ok {
		return false
	}
	return t.Which == "" || t.Which == e.Which
}

var errDigestMismatch = errors.New("blob digest does not match manifest")

func notFound(id string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}
