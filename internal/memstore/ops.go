package memstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"memvault/internal/codec"
	"memvault/internal/crypto"
	"memvault/internal/fsstore"
	"memvault/internal/journal"
)

// Meta is the manifest view of an entry, as returned by List.
type Meta struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Version   uint64 `json:"version"`
	CreatedAt uint64 `json:"created_at"`
	UpdatedAt uint64 `json:"updated_at"`
}

func validateEntry(e Entry) error {
	if err := fsstore.ValidateID(e.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.Kind == "" || len(e.Kind) > MaxKindLen {
		return fmt.Errorf("%w: kind length %d out of range [1,%d]", ErrInvalidEntry, len(e.Kind), MaxKindLen)
	}
	if !utf8.ValidString(e.Kind) {
		return fmt.Errorf("%w: kind is not valid UTF-8", ErrInvalidEntry)
	}
	return nil
}

// Put stores e under a version one higher than the committed one and
// returns that version. Only e.ID, e.Kind and e.Payload are read; version
// and timestamps are assigned here.
//
// Cancelling ctx before the manifest commits leaves no visible effect. Once
// the manifest is committed the put is durable and ctx is ignored.
//
// An error matching ErrNotDurable comes with the new version: the put is
// committed and visible, but may be lost if the machine loses power before
// the directory is synced again.
func (s *Store) Put(ctx context.Context, e Entry) (uint64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cur, err := s.snapshot()
	if err != nil {
		return 0, err
	}
	if err := checkBudget(cur, 2); err != nil {
		return 0, err
	}

	prev, exists := cur.Records[e.ID]
	now := s.now()
	e.Version = prev.Version + 1
	e.CreatedAt, e.UpdatedAt = now, now
	if exists {
		e.CreatedAt = prev.CreatedAt
		e.UpdatedAt = max(now, prev.UpdatedAt)
	}

	plain, err := codec.EncodeEntry(e, s.opts.MaxPayload)
	if err != nil {
		return 0, err
	}
	blob, err := crypto.SealBlob(s.key, s.nonces, plain, crypto.EntryAD(s.header.StoreID, e.ID, e.Version, e.Kind))
	crypto.Zero(plain)
	if err != nil {
		return 0, fmt.Errorf("sealing entry: %w", err)
	}

	if err := s.dir.WritePending(e.ID, blob); err != nil {
		return 0, err
	}
	if err := s.opts.hooks.pending(e.ID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		s.discardPending(e.ID)
		return 0, err
	}

	next := cur.Clone()
	next.Writes++
	next.Records[e.ID] = codec.Record{
		ID:         e.ID,
		Version:    e.Version,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
		Kind:       e.Kind,
		BlobDigest: crypto.Sum(blob),
	}
	committed, err := s.commit(e.ID, cur, next, func() error { return s.dir.Promote(e.ID) })
	if !committed {
		s.discardPending(e.ID)
		return 0, err
	}
	if err != nil && !errors.Is(err, ErrNotDurable) {
		return 0, err
	}
	s.record(journal.Event{Op: journal.OpPut, ID: e.ID, Version: e.Version, Detail: e.Kind})
	s.log.Debug("put", "id", e.ID, "version", e.Version)
	return e.Version, err
}

// Get returns the committed entry for id. A blob that is absent, does not
// match the manifest digest, or fails authentication yields an
// *IntegrityError; altered data is never returned.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrClosed
	}
	rec, ok := s.manifest.Records[id]
	if !ok {
		return Entry{}, notFound(id)
	}
	e, err := s.loadEntry(ctx, rec)
	var ie *IntegrityError
	if errors.As(err, &ie) {
		s.log.Warn("integrity check failed", "id", id, "which", ie.Which)
	}
	return e, err
}

// List returns the committed entries' metadata sorted by id. It reads no
// blobs.
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := s.manifest.IDs()
	out := make([]Meta, 0, len(ids))
	for _, id := range ids {
		r := s.manifest.Records[id]
		out = append(out, Meta{ID: r.ID, Kind: r.Kind, Version: r.Version, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// Delete removes id from the manifest, commits, then unlinks the blob. A
// failed unlink leaves an orphan for the next open to quarantine.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := s.snapshot()
	if err != nil {
		return err
	}
	rec, ok := cur.Records[id]
	if !ok {
		return notFound(id)
	}
	if err := checkBudget(cur, 1); err != nil {
		return err
	}
	next := cur.Clone()
	delete(next.Records, id)
	committed, err := s.commit(id, cur, next, func() error { return s.dir.RemoveBlob(id) })
	if !committed || (err != nil && !errors.Is(err, ErrNotDurable)) {
		return err
	}
	s.record(journal.Event{Op: journal.OpDelete, ID: id, Version: rec.Version})
	return err
}

// Clear commits an empty manifest, then unlinks every blob on a best-effort
// basis.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := s.snapshot()
	if err != nil {
		return err
	}
	if err := checkBudget(cur, 1); err != nil {
		return err
	}
	next := codec.NewManifest()
	next.Writes = cur.Writes
	committed, err := s.commit("", cur, next, s.dir.RemoveAllObjects)
	if !committed || (err != nil && !errors.Is(err, ErrNotDurable)) {
		return err
	}
	s.record(journal.Event{Op: journal.OpClear, Detail: fmt.Sprintf("%d entries", len(cur.Records))})
	return err
}

// commit seals and atomically writes next, then swaps it in and runs after
// while readers are excluded. committed reports whether the manifest rename
// happened; failures of after are only logged, since the mutation is
// already in place. When committed is true a non-nil error matches
// ErrNotDurable. Must be called with writeMu held.
func (s *Store) commit(id string, cur, next *codec.Manifest, after func() error) (committed bool, err error) {
	next.Writes++
	sealed, err := s.sealManifest(next)
	if err != nil {
		return false, fmt.Errorf("sealing manifest: %w", err)
	}
	// A failed directory sync after the rename still leaves next on disk, so
	// the snapshot must follow it; the error is returned once the swap is done.
	var syncErr error
	if err := s.dir.WriteManifest(sealed); err != nil {
		if !errors.Is(err, fsstore.ErrRenamed) {
			return false, err
		}
		syncErr = err
		s.log.Warn("manifest committed but directory sync failed", "id", id, "err", err)
	}
	if err := s.opts.hooks.committed(id); err != nil {
		return true, err
	}

	s.mu.Lock()
	s.manifest = next
	var afterErr error
	if after != nil {
		afterErr = after()
	}
	s.mu.Unlock()

	if afterErr != nil {
		s.log.Warn("post-commit cleanup failed, recovery will finish it on next open", "id", id, "err", afterErr)
	}
	if cur.Writes < WarnWrites && next.Writes >= WarnWrites {
		s.log.Warn("store crossed its nonce warning threshold, rekey recommended", "writes", next.Writes)
	}
	return true, syncErr
}

func (s *Store) snapshot() (*codec.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.manifest, nil
}

func (s *Store) discardPending(id string) {
	if err := os.Remove(s.dir.PendingPath(id)); err != nil && !isNotExist(err) {
		s.log.Warn("could not remove tentative blob", "id", id, "err", err)
	}
}

// loadEntry reads, checks and decrypts the blob for rec. Must be called with
// mu held.
func (s *Store) loadEntry(ctx context.Context, rec codec.Record) (Entry, error) {
	blob, err := s.readCommitted(rec)
	if err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	ad := crypto.EntryAD(s.header.StoreID, rec.ID, rec.Version, rec.Kind)
	plain, err := crypto.OpenBlob(s.key, blob, ad)
	if err != nil {
		return Entry{}, &IntegrityError{ID: rec.ID, Which: Tampered, Err: err}
	}
	defer crypto.Zero(plain)
	// Entries written under a larger cap stay readable.
	e, err := codec.DecodeEntry(plain, max(s.opts.MaxPayload, codec.DefaultMaxPayload))
	if err != nil {
		return Entry{}, &IntegrityError{ID: rec.ID, Which: Tampered, Err: err}
	}
	if e.ID != rec.ID || e.Version != rec.Version || e.Kind != rec.Kind {
		return Entry{}, &IntegrityError{ID: rec.ID, Which: Tampered, Err: errors.New("entry identity does not match manifest")}
	}
	return e, nil
}

// readCommitted returns the blob whose digest the manifest committed. That
// is normally <id>.blob; after a failed promote it is still the pending file.
func (s *Store) readCommitted(rec codec.Record) ([]byte, error) {
	blob, err := s.dir.ReadBlob(rec.ID)
	if err == nil && crypto.Sum(blob).Equal(rec.BlobDigest) {
		return blob, nil
	}
	if err != nil && !isNotExist(err) {
		return nil, err
	}
	if p, perr := s.dir.ReadPending(rec.ID); perr == nil && crypto.Sum(p).Equal(rec.BlobDigest) {
		return p, nil
	}
	if err != nil {
		return nil, &IntegrityError{ID: rec.ID, Which: Missing, Err: err}
	}
	return nil, &IntegrityError{ID: rec.ID, Which: Tampered, Err: errDigestMismatch}
}

func checkBudget(m *codec.Manifest, seals uint64) error {
	if m.Writes+seals > MaxWrites {
		return ErrNonceBudget
	}
	return nil
}

func (h *hooks) pending(id string) error {
	if h.afterPending == nil {
		return nil
	}
	return h.afterPending(id)
}

func (h *hooks) committed(id string) error {
	if h.afterCommit == nil {
		return nil
	}
	return h.afterCommit(id)
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
