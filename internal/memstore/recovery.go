package memstore

import (
	"errors"
	"path/filepath"
	"slices"

	"memvault/internal/crypto"
	"memvault/internal/fsstore"
	"memvault/internal/journal"
)

// RecoveryReport lists what the open-time recovery pass found and did.
type RecoveryReport struct {
	RemovedTemps  []string `json:"removed_temps,omitempty"`
	RolledForward []string `json:"rolled_forward,omitempty"`
	Quarantined   []string `json:"quarantined,omitempty"`
	Missing       []string `json:"missing,omitempty"`
	Tampered      []string `json:"tampered,omitempty"`
}

// recoverDir reconciles objects/ with the committed manifest:
//   - temp files from interrupted atomic writes are removed;
//   - a pending blob whose digest the manifest committed is promoted;
//   - blobs and pending files the manifest does not reference are
//     quarantined under orphans/;
//   - manifest records whose blob is absent or mismatched are reported.
//
// Called from Open before the store is shared.
func (s *Store) recoverDir() (RecoveryReport, error) {
	rep := s.recovery
	stamp := s.opts.Now().UnixNano()

	temps, err := s.dir.RemoveRootTemps()
	if err != nil {
		return rep, err
	}
	rep.RemovedTemps = append(rep.RemovedTemps, temps...)

	scan, err := s.dir.Scan()
	if err != nil {
		return rep, err
	}
	records := s.manifest.Records
	quarantine := func(path string) error {
		name, err := s.dir.Quarantine(path, stamp)
		if err != nil {
			return err
		}
		rep.Quarantined = append(rep.Quarantined, name)
		s.log.Warn("quarantined orphan", "file", name)
		return nil
	}

	for _, f := range scan.Files {
		switch f.Class {
		case fsstore.ClassTemp:
			if err := s.dir.RemoveTemp(f.Path); err != nil {
				return rep, err
			}
			rep.RemovedTemps = append(rep.RemovedTemps, filepath.Base(f.Path))
		case fsstore.ClassStray:
			if err := quarantine(f.Path); err != nil {
				return rep, err
			}
		}
	}

	for id, path := range scan.Pending() {
		rec, ok := records[id]
		if ok {
			b, err := s.dir.ReadPending(id)
			if err != nil {
				return rep, err
			}
			if crypto.Sum(b).Equal(rec.BlobDigest) {
				if err := s.dir.Promote(id); err != nil && !errors.Is(err, fsstore.ErrRenamed) {
					return rep, err
				}
				rep.RolledForward = append(rep.RolledForward, id)
				s.log.Info("rolled forward committed blob", "id", id, "version", rec.Version)
				continue
			}
		}
		if err := quarantine(path); err != nil {
			return rep, err
		}
	}

	blobs := scan.Blobs()
	for id, path := range blobs {
		if _, ok := records[id]; !ok {
			if err := quarantine(path); err != nil {
				return rep, err
			}
		}
	}

	for _, id := range s.manifest.IDs() {
		rec := records[id]
		b, err := s.dir.ReadBlob(id)
		if err != nil {
			if isNotExist(err) {
				rep.Missing = append(rep.Missing, id)
				s.log.Warn("entry blob missing", "id", id)
				continue
			}
			return rep, err
		}
		if !crypto.Sum(b).Equal(rec.BlobDigest) {
			rep.Tampered = append(rep.Tampered, id)
			s.log.Warn("entry blob does not match manifest", "id", id)
		}
	}
	slices.Sort(rep.RolledForward)
	slices.Sort(rep.Quarantined)
	return rep, nil
}

func (r RecoveryReport) record(s *Store) {
	for _, id := range r.RolledForward {
		s.record(journal.Event{Op: journal.OpRollForward, ID: id, Version: s.manifest.Records[id].Version})
	}
	for _, name := range r.Quarantined {
		s.record(journal.Event{Op: journal.OpQuarantine, Detail: name})
	}
}
