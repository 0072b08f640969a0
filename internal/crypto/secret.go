package crypto

import "runtime"

// SecretKey holds key material in a page-locked buffer (where supported)
// and wipes it on Destroy. The zero value is an already-destroyed key.
type SecretKey struct {
	b      []byte
	locked bool
}

// NewSecretKey copies raw into a fresh locked buffer. The caller still owns
// raw and should Zero it.
func NewSecretKey(raw []byte) *SecretKey {
	b := make([]byte, len(raw))
	copy(b, raw)
	k := &SecretKey{b: b}
	if err := lockMemory(b); err == nil {
		k.locked = true
	}
	return k
}

// Bytes exposes the key. The slice must not be retained past Destroy.
func (k *SecretKey) Bytes() []byte {
	if k == nil {
		return nil
	}
	return k.b
}

// Destroyed reports whether the key has been wiped.
func (k *SecretKey) Destroyed() bool {
	return k == nil || k.b == nil
}

// Destroy zeroes the key and releases the page lock. Safe to call twice.
func (k *SecretKey) Destroy() {
	if k == nil || k.b == nil {
		return
	}
	Zero(k.b)
	if k.locked {
		_ = unlockMemory(k.b)
		k.locked = false
	}
	runtime.KeepAlive(k.b)
	k.b = nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
