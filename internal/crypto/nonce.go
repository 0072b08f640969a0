package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// reseedEvery bounds how many nonces one DRBG key produces before it is
// replaced with fresh OS entropy; it keeps the ChaCha20 block counter far
// from wrapping.
const reseedEvery = 1 << 24

// NonceSource is a per-store nonce generator: a ChaCha20 keystream keyed
// from the OS CSPRNG, cut into NonceSize chunks. It is safe for concurrent use.
type NonceSource struct {
	mu      sync.Mutex
	entropy io.Reader
	stream  *chacha20.Cipher
	issued  uint64
}

// NewNonceSource seeds a generator from crypto/rand.
func NewNonceSource() (*NonceSource, error) {
	return newNonceSource(rand.Reader)
}

func newNonceSource(entropy io.Reader) (*NonceSource, error) {
	s := &NonceSource{entropy: entropy}
	if err := s.reseed(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *NonceSource) reseed() error {
	var seed [chacha20.KeySize + chacha20.NonceSize]byte
	defer Zero(seed[:])
	if _, err := io.ReadFull(s.entropy, seed[:]); err != nil {
		return fmt.Errorf("seeding nonce source: %w", err)
	}
	c, err := chacha20.NewUnauthenticatedCipher(seed[:chacha20.KeySize], seed[chacha20.KeySize:])
	if err != nil {
		return fmt.Errorf("seeding nonce source: %w", err)
	}
	s.stream = c
	s.issued = 0
	return nil
}

// Next returns a fresh NonceSize-byte nonce.
func (s *NonceSource) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issued >= reseedEvery {
		if err := s.reseed(); err != nil {
			return nil, err
		}
	}
	nonce := make([]byte, NonceSize)
	s.stream.XORKeyStream(nonce, nonce)
	s.issued++
	return nonce, nil
}
