package fsstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Class is what a file under objects/ turned out to be.
type Class int

const (
	ClassBlob    Class = iota // <id>.blob in its own shard
	ClassPending              // <id>.blob.pending in its own shard
	ClassTemp                 // leftover of an interrupted atomic write
	ClassStray                // anything else, including blobs in the wrong shard
)

func (c Class) String() string {
	switch c {
	case ClassBlob:
		return "blob"
	case ClassPending:
		return "pending"
	case ClassTemp:
		return "temp"
	default:
		return "stray"
	}
}

// File is one entry of a scan.
type File struct {
	Path  string
	ID    string // empty for temp and stray files
	Class Class
}

// ScanResult is the content of objects/ in walk order.
type ScanResult struct {
	Files []File
}

// Blobs returns blob paths keyed by id.
func (s ScanResult) Blobs() map[string]string {
	return s.byClass(ClassBlob)
}

// Pending returns staged blob paths keyed by id.
func (s ScanResult) Pending() map[string]string {
	return s.byClass(ClassPending)
}

func (s ScanResult) byClass(c Class) map[string]string {
	out := make(map[string]string)
	for _, f := range s.Files {
		if f.Class == c {
			out[f.ID] = f.Path
		}
	}
	return out
}

// Scan walks objects/ and classifies every regular file. A missing objects/
// directory yields an empty result.
func (d *Dir) Scan() (ScanResult, error) {
	root := d.path(ObjectsDir)
	var res ScanResult
	err := filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if e.IsDir() {
			return nil
		}
		res.Files = append(res.Files, classify(root, p))
		return nil
	})
	if err != nil {
		return ScanResult{}, ioErr("scan", root, err)
	}
	return res, nil
}

func classify(root, p string) File {
	name := filepath.Base(p)
	shard, _ := filepath.Rel(root, filepath.Dir(p))

	var id string
	class := ClassStray
	switch {
	case strings.HasSuffix(name, PendingSuffix):
		id, class = strings.TrimSuffix(name, PendingSuffix), ClassPending
	case strings.HasSuffix(name, BlobSuffix):
		id, class = strings.TrimSuffix(name, BlobSuffix), ClassBlob
	case isTempName(name):
		return File{Path: p, Class: ClassTemp}
	}
	if class != ClassStray && (ValidateID(id) != nil || Prefix(id) != shard) {
		return File{Path: p, Class: ClassStray}
	}
	return File{Path: p, ID: id, Class: class}
}
