// Package memstore is the encrypted local memory store: a directory of
// authenticated, encrypted entries indexed by an encrypted manifest whose
// atomic replacement is the commit point of every mutation.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"memvault/internal/codec"
	"memvault/internal/crypto"
	"memvault/internal/fsstore"
	"memvault/internal/journal"
	"memvault/internal/logging"
)

var log = logging.For("memstore")

// Entry is the unit of storage.
type Entry = codec.Entry

// Store is an open store directory. Writers are serialized; readers run
// concurrently with each other and with the uncommitted part of a write.
type Store struct {
	dir     *fsstore.Dir
	header  fsstore.Header
	key     *crypto.SecretKey
	nonces  *crypto.NonceSource
	opts    Options
	journal *journal.Journal
	log     *slog.Logger

	writeMu sync.Mutex

	// mu guards the fields below. Writers hold it exclusively only to swap
	// the committed manifest and move blob files behind it, so a reader
	// holding it shared always sees files that match its snapshot.
	mu       sync.RWMutex
	manifest *codec.Manifest
	closed   bool
	recovery RecoveryReport
}

// Stats is a cheap summary of the store.
type Stats struct {
	StoreID        string           `json:"store_id"`
	Entries        int              `json:"entries"`
	Writes         uint64           `json:"writes"`
	KDF            crypto.KDFParams `json:"kdf"`
	ManifestDigest string           `json:"manifest_digest"`
}

// Open opens the store in dir, creating it when header.json is absent.
// A wrong passphrase or a tampered manifest yields ErrAuth and leaves the
// directory untouched. Recovery runs before Open returns.
func Open(ctx context.Context, dir string, passphrase []byte, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := fsstore.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	d.SetDirSync(opts.hooks.dirSync)
	s := &Store{
		dir:  d,
		opts: opts,
		log:  log.With("dir", dir),
	}
	created, err := s.load(ctx, passphrase)
	if err != nil {
		if s.key != nil {
			s.key.Destroy()
		}
		d.Close()
		return nil, err
	}
	if !created {
		if s.nonces, err = crypto.NewNonceSource(); err != nil {
			s.key.Destroy()
			d.Close()
			return nil, fmt.Errorf("seeding nonce source: %w", err)
		}
	}
	rep, err := s.recoverDir()
	if err != nil {
		s.key.Destroy()
		d.Close()
		return nil, fmt.Errorf("recovery: %w", err)
	}
	s.recovery = rep

	if opts.Journal {
		j, err := journal.Open(filepath.Join(dir, journal.FileName))
		if err != nil {
			s.log.Error("journal unavailable", "err", err)
		} else {
			s.journal = j
		}
	}
	op := journal.OpOpen
	if created {
		op = journal.OpCreate
	}
	s.record(journal.Event{Op: op, Detail: s.header.StoreID})
	s.recovery.record(s)

	if w := s.manifest.Writes; w >= WarnWrites {
		s.log.Warn("store is past its nonce warning threshold, rekey recommended", "writes", w)
	}
	s.log.Info("store opened", "store_id", s.header.StoreID, "entries", len(s.manifest.Records), "created", created)
	return s, nil
}

// load reads or creates header and manifest, leaving the key derived.
func (s *Store) load(ctx context.Context, passphrase []byte) (created bool, err error) {
	h, ok, err := s.dir.ReadHeader()
	if err != nil {
		return false, err
	}
	if !ok {
		return true, s.create(ctx, passphrase)
	}
	s.header = h

	salt, err := h.SaltBytes()
	if err != nil {
		return false, &fsstore.Error{Kind: fsstore.KindCorruptHeader, Op: "read header", Err: err}
	}
	if s.key, err = crypto.DeriveKey(passphrase, salt, h.KDFParams()); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	raw, err := s.dir.ReadManifest()
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn("manifest missing")
		return false, ErrAuth
	}
	if err != nil {
		return false, err
	}
	plain, err := crypto.OpenBlob(s.key, raw, crypto.ManifestAD(h.StoreID))
	if err != nil {
		s.log.Warn("manifest authentication failed")
		return false, ErrAuth
	}
	m, err := codec.DecodeManifest(plain)
	if err != nil {
		return false, fmt.Errorf("decoding manifest: %w", err)
	}
	s.manifest = m
	return false, nil
}

// create initializes an empty store. The manifest is written before the
// header, so a header is never visible without a manifest; a manifest left
// alone by an interrupted create is quarantined.
func (s *Store) create(ctx context.Context, passphrase []byte) error {
	if err := s.quarantineHeaderless(); err != nil {
		return err
	}
	params := s.opts.KDF
	if err := params.Validate(); err != nil {
		return err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	h := fsstore.NewHeader(uuid.NewString(), salt, params)
	if s.key, err = crypto.DeriveKey(passphrase, salt, params); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.nonces, err = crypto.NewNonceSource(); err != nil {
		return fmt.Errorf("seeding nonce source: %w", err)
	}
	if err := s.dir.EnsureLayout(); err != nil {
		return err
	}
	s.header = h
	m := codec.NewManifest()
	m.Writes = 1
	sealed, err := s.sealManifest(m)
	if err != nil {
		return err
	}
	if err := s.dir.WriteManifest(sealed); err != nil {
		return err
	}
	if err := s.dir.WriteHeader(h); err != nil {
		return err
	}
	s.manifest = m
	return nil
}

// quarantineHeaderless moves aside a manifest.bin left by a creation that
// crashed before writing header.json. Without the salt it can never be
// opened.
func (s *Store) quarantineHeaderless() error {
	_, err := s.dir.ReadManifest()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	name, err := s.dir.Quarantine(filepath.Join(s.dir.Root(), fsstore.ManifestFile), s.opts.Now().UnixNano())
	if err != nil {
		return err
	}
	s.recovery.Quarantined = append(s.recovery.Quarantined, name)
	s.log.Warn("quarantined manifest without header", "file", name)
	return nil
}

func (s *Store) sealManifest(m *codec.Manifest) ([]byte, error) {
	plain := codec.EncodeManifest(m)
	defer crypto.Zero(plain)
	return crypto.SealBlob(s.key, s.nonces, plain, crypto.ManifestAD(s.header.StoreID))
}

// Close zeroizes the key and releases the directory lock. It waits for
// in-flight operations and is safe to call more than once.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.key.Destroy()
	err := errors.Join(s.journal.Close(), s.dir.Close())
	s.log.Info("store closed")
	return err
}

// Stats returns a summary of the committed state.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}
	return Stats{
		StoreID:        s.header.StoreID,
		Entries:        len(s.manifest.Records),
		Writes:         s.manifest.Writes,
		KDF:            s.header.KDFParams(),
		ManifestDigest: s.manifest.Digest().String(),
	}, nil
}

// Recovery returns what recovery did when the store was opened.
func (s *Store) Recovery() RecoveryReport {
	return s.recovery
}

// Journal returns up to n recent journal events, oldest first. It returns
// nil when the journal is disabled.
func (s *Store) Journal(n int) ([]journal.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.Recent(n)
}

func (s *Store) record(ev journal.Event) {
	if s.journal == nil {
		return
	}
	if ev.At == 0 {
		ev.At = s.opts.Now().UnixMilli()
	}
	if _, err := s.journal.Append(ev); err != nil {
		s.log.Error("journal append failed", "op", ev.Op, "err", err)
	}
}

func (s *Store) now() uint64 {
	ms := s.opts.Now().UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
