package fsstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"memvault/internal/crypto"
)

// FormatVersion is the on-disk layout version written to header.json.
const FormatVersion = 1

// Header is the plaintext header.json.
type Header struct {
	FormatVersion uint32    `json:"format_version"`
	StoreID       string    `json:"store_id"`
	Salt          string    `json:"salt"`
	KDF           KDFHeader `json:"kdf"`
}

type KDFHeader struct {
	Algorithm   string `json:"algorithm"`
	MemoryKiB   uint32 `json:"memory_kib"`
	TimeCost    uint32 `json:"time_cost"`
	Parallelism uint32 `json:"parallelism"`
}

// NewHeader builds a current-format header.
func NewHeader(storeID string, salt []byte, p crypto.KDFParams) Header {
	return Header{
		FormatVersion: FormatVersion,
		StoreID:       storeID,
		Salt:          base64.StdEncoding.EncodeToString(salt),
		KDF: KDFHeader{
			Algorithm:   crypto.AlgorithmArgon2id,
			MemoryKiB:   p.MemoryKiB,
			TimeCost:    p.TimeCost,
			Parallelism: p.Parallelism,
		},
	}
}

// SaltBytes decodes the salt.
func (h Header) SaltBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(h.Salt)
}

// KDFParams returns the persisted Argon2id parameters.
func (h Header) KDFParams() crypto.KDFParams {
	return crypto.KDFParams{
		MemoryKiB:   h.KDF.MemoryKiB,
		TimeCost:    h.KDF.TimeCost,
		Parallelism: h.KDF.Parallelism,
	}
}

func (h Header) validate() error {
	if h.FormatVersion != FormatVersion {
		return &Error{Kind: KindFormatVersionUnsupported, Op: "read header",
			Err: fmt.Errorf("format_version %d, want %d", h.FormatVersion, FormatVersion)}
	}
	if h.StoreID == "" || len(h.StoreID) > MaxIDLen {
		return &Error{Kind: KindCorruptHeader, Op: "read header", Err: errors.New("invalid store_id")}
	}
	salt, err := h.SaltBytes()
	if err != nil || len(salt) != crypto.SaltSize {
		return &Error{Kind: KindCorruptHeader, Op: "read header", Err: errors.New("invalid salt")}
	}
	if h.KDF.Algorithm != crypto.AlgorithmArgon2id {
		return &Error{Kind: KindCorruptHeader, Op: "read header",
			Err: fmt.Errorf("unsupported kdf algorithm %q", h.KDF.Algorithm)}
	}
	return nil
}

func encodeHeader(h Header) ([]byte, error) {
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decodeHeader(path string, b []byte) (Header, error) {
	// Peek at the version first so a future layout is reported as such
	// rather than as corruption.
	var probe struct {
		FormatVersion *uint32 `json:"format_version"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return Header{}, &Error{Kind: KindCorruptHeader, Op: "read header", Path: path, Err: err}
	}
	if probe.FormatVersion == nil {
		return Header{}, &Error{Kind: KindCorruptHeader, Op: "read header", Path: path, Err: errors.New("missing format_version")}
	}
	if *probe.FormatVersion != FormatVersion {
		return Header{}, &Error{Kind: KindFormatVersionUnsupported, Op: "read header", Path: path,
			Err: fmt.Errorf("format_version %d, want %d", *probe.FormatVersion, FormatVersion)}
	}

	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, &Error{Kind: KindCorruptHeader, Op: "read header", Path: path, Err: err}
	}
	if err := h.validate(); err != nil {
		var se *Error
		if errors.As(err, &se) {
			se.Path = path
		}
		return Header{}, err
	}
	return h, nil
}

func readHeaderFile(path string) (Header, bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Header{}, false, nil
	}
	if err != nil {
		return Header{}, false, ioErr("read", path, err)
	}
	h, err := decodeHeader(path, b)
	return h, true, err
}
