package memstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"memvault/internal/crypto"
	"memvault/internal/fsstore"
	"memvault/internal/journal"
)

// Report is the result of Verify.
type Report struct {
	OK       int `json:"ok"`
	Missing  int `json:"missing"`
	Tampered int `json:"tampered"`
	Orphan   int `json:"orphan"`

	MissingIDs  []string `json:"missing_ids,omitempty"`
	TamperedIDs []string `json:"tampered_ids,omitempty"`
	// OrphanFiles are relative to the store directory.
	OrphanFiles []string `json:"orphan_files,omitempty"`
}

// Clean reports whether every entry verified and no orphans exist.
func (r Report) Clean() bool {
	return r.Missing == 0 && r.Tampered == 0 && r.Orphan == 0
}

// Verify reads, digests and decrypts every committed entry and counts
// orphans, both those already quarantined and any unreferenced blob
// currently under objects/. It changes nothing on disk and does not repair.
// Writers wait for it to finish.
func (s *Store) Verify(ctx context.Context) (Report, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Report{}, ErrClosed
	}

	var rep Report
	for _, id := range s.manifest.IDs() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		_, err := s.loadEntry(ctx, s.manifest.Records[id])
		var ie *IntegrityError
		switch {
		case err == nil:
			rep.OK++
		case errors.As(err, &ie) && ie.Which == Missing:
			rep.MissingIDs = append(rep.MissingIDs, id)
		case errors.As(err, &ie):
			rep.TamperedIDs = append(rep.TamperedIDs, id)
		default:
			return Report{}, fmt.Errorf("verifying %q: %w", id, err)
		}
	}

	orphans, err := s.orphanFiles()
	if err != nil {
		return Report{}, err
	}
	rep.OrphanFiles = orphans
	rep.Missing, rep.Tampered, rep.Orphan = len(rep.MissingIDs), len(rep.TamperedIDs), len(rep.OrphanFiles)

	if !rep.Clean() {
		s.log.Warn("verify found problems", "ok", rep.OK, "missing", rep.Missing, "tampered", rep.Tampered, "orphan", rep.Orphan)
	}
	s.record(journal.Event{Op: journal.OpVerify,
		Detail: fmt.Sprintf("ok=%d missing=%d tampered=%d orphan=%d", rep.OK, rep.Missing, rep.Tampered, rep.Orphan)})
	return rep, nil
}

func (s *Store) orphanFiles() ([]string, error) {
	quarantined, err := s.dir.Orphans()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(quarantined))
	for _, name := range quarantined {
		out = append(out, filepath.Join(fsstore.OrphansDir, name))
	}

	scan, err := s.dir.Scan()
	if err != nil {
		return nil, err
	}
	for _, f := range scan.Files {
		if !s.isOrphan(f) {
			continue
		}
		rel, err := filepath.Rel(s.dir.Root(), f.Path)
		if err != nil {
			rel = f.Path
		}
		out = append(out, rel)
	}
	slices.Sort(out)
	return out, nil
}

// isOrphan reports whether a file under objects/ is referenced by nothing
// in the committed manifest. Must be called with mu held.
func (s *Store) isOrphan(f fsstore.File) bool {
	switch f.Class {
	case fsstore.ClassStray:
		return true
	case fsstore.ClassBlob:
		_, ok := s.manifest.Records[f.ID]
		return !ok
	case fsstore.ClassPending:
		rec, ok := s.manifest.Records[f.ID]
		if !ok {
			return true
		}
		b, err := s.dir.ReadPending(f.ID)
		return err != nil || !crypto.Sum(b).Equal(rec.BlobDigest)
	}
	return false
}
