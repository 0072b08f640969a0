package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSize // 12 bytes
	TagSize   = chacha20poly1305.Overhead  // 16 bytes
)

// ErrAuth is returned by Open on any tampering, wrong key, wrong associated
// data or wrong nonce. Callers above this package translate it.
var ErrAuth = errors.New("crypto: message authentication failed")

var errKeyDestroyed = errors.New("crypto: key destroyed")

// Seal encrypts plaintext under key with a fresh nonce from nonces and binds ad.
// The returned sealed slice is len(plaintext)+TagSize bytes.
func Seal(key *SecretKey, nonces *NonceSource, plaintext, ad []byte) (nonce, sealed []byte, err error) {
	if key.Destroyed() {
		return nil, nil, errKeyDestroyed
	}
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce, err = nonces.Next()
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts sealed.
func Open(key *SecretKey, nonce, sealed, ad []byte) ([]byte, error) {
	if key.Destroyed() {
		return nil, errKeyDestroyed
	}
	if len(nonce) != NonceSize || len(sealed) < TagSize {
		return nil, ErrAuth
	}
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}

// SealBlob returns the on-disk blob layout: nonce || ciphertext_with_tag.
func SealBlob(key *SecretKey, nonces *NonceSource, plaintext, ad []byte) ([]byte, error) {
	nonce, sealed, err := Seal(key, nonces, plaintext, ad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

// OpenBlob splits a blob produced by SealBlob and opens it.
func OpenBlob(key *SecretKey, blob, ad []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, ErrAuth
	}
	return Open(key, blob[:NonceSize], blob[NonceSize:], ad)
}
