package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltSize is the length of the per-store KDF salt.
	SaltSize = 16
	// KeySize is the length of the derived store key.
	KeySize = 32

	// MaxMemoryKiB caps the Argon2id memory cost at 4 GiB.
	MaxMemoryKiB = 4 << 20
	MaxTimeCost  = 64
	MaxThreads   = 255

	AlgorithmArgon2id = "argon2id"
)

// KDFKind classifies a key derivation failure.
type KDFKind string

const (
	KDFInvalidParams KDFKind = "invalid_params"
	KDFOutOfMemory   KDFKind = "oom"
)

var (
	ErrKDFInvalidParams = &KDFError{Kind: KDFInvalidParams}
	ErrKDFOutOfMemory   = &KDFError{Kind: KDFOutOfMemory}
)

// KDFError reports that a key could not be derived with the given parameters.
type KDFError struct {
	Kind    KDFKind
	Message string
}

func (e *KDFError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("kdf error: %s", e.Kind)
	}
	return fmt.Sprintf("kdf error: %s: %s", e.Kind, e.Message)
}

// Is matches any KDFError of the same kind, so errors.Is(err, ErrKDFOutOfMemory)
// works regardless of the message.
func (e *KDFError) Is(target error) bool {
	var t *KDFError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KDFParams are the Argon2id cost parameters persisted in the store header.
type KDFParams struct {
	MemoryKiB   uint32
	TimeCost    uint32
	Parallelism uint32
}

// DefaultKDFParams targets 64 MiB and roughly a quarter second on a laptop.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		MemoryKiB:   64 * 1024,
		TimeCost:    3,
		Parallelism: 4,
	}
}

// Validate checks the parameters against Argon2id's constraints and the
// hard caps above.
func (p KDFParams) Validate() error {
	switch {
	case p.TimeCost < 1 || p.TimeCost > MaxTimeCost:
		return &KDFError{Kind: KDFInvalidParams, Message: fmt.Sprintf("time cost %d out of range [1,%d]", p.TimeCost, MaxTimeCost)}
	case p.Parallelism < 1 || p.Parallelism > MaxThreads:
		return &KDFError{Kind: KDFInvalidParams, Message: fmt.Sprintf("parallelism %d out of range [1,%d]", p.Parallelism, MaxThreads)}
	case p.MemoryKiB < 8*p.Parallelism:
		return &KDFError{Kind: KDFInvalidParams, Message: fmt.Sprintf("memory %d KiB below 8*parallelism", p.MemoryKiB)}
	case p.MemoryKiB > MaxMemoryKiB:
		return &KDFError{Kind: KDFInvalidParams, Message: fmt.Sprintf("memory %d KiB above cap %d KiB", p.MemoryKiB, MaxMemoryKiB)}
	}
	return nil
}

// memoryProbe reports the memory available for derivation in KiB, or 0 when
// the platform cannot tell. Replaced in tests.
var memoryProbe = availableMemoryKiB

// NewSalt draws a fresh salt from the OS CSPRNG.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs Argon2id over the passphrase and returns the key in a
// zeroizing container. A wrong passphrase is not detectable here.
func DeriveKey(passphrase, salt []byte, p KDFParams) (key *SecretKey, err error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) != SaltSize {
		return nil, &KDFError{Kind: KDFInvalidParams, Message: fmt.Sprintf("salt must be %d bytes, got %d", SaltSize, len(salt))}
	}
	if avail := memoryProbe(); avail > 0 && uint64(p.MemoryKiB) > avail {
		return nil, &KDFError{Kind: KDFOutOfMemory, Message: fmt.Sprintf("need %d KiB, %d KiB available", p.MemoryKiB, avail)}
	}

	defer func() {
		if r := recover(); r != nil {
			key = nil
			err = &KDFError{Kind: KDFOutOfMemory, Message: fmt.Sprint(r)}
		}
	}()

	raw := argon2.IDKey(passphrase, salt, p.TimeCost, p.MemoryKiB, uint8(p.Parallelism), KeySize)
	key = NewSecretKey(raw)
	Zero(raw)
	return key, nil
}
