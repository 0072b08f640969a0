package fsstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"memvault/internal/crypto"
)

const (
	HeaderFile   = "header.json"
	ManifestFile = "manifest.bin"
	ObjectsDir   = "objects"
	OrphansDir   = "orphans"
	LockFile     = ".lock"

	BlobSuffix    = ".blob"
	PendingSuffix = ".blob.pending"

	// MaxIDLen bounds entry and store identifiers.
	MaxIDLen = 128

	dirPerm  = 0o700
	filePerm = 0o600
)

// ValidateID checks that id is usable as a file name: 1..MaxIDLen bytes of
// the URL-safe set [A-Za-z0-9._~-], and not "." or "..".
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLen {
		return fmt.Errorf("id length %d out of range [1,%d]", len(id), MaxIDLen)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("id %q is reserved", id)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '~':
		default:
			return fmt.Errorf("id contains invalid byte 0x%02x", c)
		}
	}
	return nil
}

// Prefix is the object shard for id: the first byte of BLAKE2b-256(id) in hex.
func Prefix(id string) string {
	d := crypto.Sum([]byte(id))
	return hex.EncodeToString(d[:1])
}

// Dir is an opened store directory. It holds the advisory lock until Close.
type Dir struct {
	root string
	lock *os.File
	sync func(dir string) error
}

// OpenDir creates root if needed and takes the advisory lock. A second
// holder, in this or another process, gets ErrLocked.
func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, ioErr("mkdir", root, err)
	}
	lockPath := filepath.Join(root, LockFile)
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, ioErr("open", lockPath, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, &Error{Kind: KindLocked, Op: "lock", Path: lockPath, Err: err}
		}
		return nil, ioErr("lock", lockPath, err)
	}
	return &Dir{root: root, lock: f, sync: syncDir}, nil
}

// Close releases the advisory lock.
func (d *Dir) Close() error {
	if d.lock == nil {
		return nil
	}
	_ = unlockFile(d.lock)
	err := d.lock.Close()
	d.lock = nil
	if err != nil {
		return ioErr("close", filepath.Join(d.root, LockFile), err)
	}
	return nil
}

func (d *Dir) Root() string { return d.root }

// SetDirSync replaces the directory fsync used after every rename, so tests
// can simulate a device that fails it. nil restores the default.
func (d *Dir) SetDirSync(fn func(dir string) error) {
	if fn == nil {
		fn = syncDir
	}
	d.sync = fn
}

func (d *Dir) writeFile(path string, data []byte) error {
	return writeFileAtomic(path, data, filePerm, d.sync)
}

func (d *Dir) path(parts ...string) string {
	return filepath.Join(append([]string{d.root}, parts...)...)
}

// BlobPath is objects/<hh>/<id>.blob.
func (d *Dir) BlobPath(id string) string {
	return d.path(ObjectsDir, Prefix(id), id+BlobSuffix)
}

// PendingPath is objects/<hh>/<id>.blob.pending, the staging name used until
// the manifest commits.
func (d *Dir) PendingPath(id string) string {
	return d.path(ObjectsDir, Prefix(id), id+PendingSuffix)
}

// ReadHeader returns the header and whether it exists.
func (d *Dir) ReadHeader() (Header, bool, error) {
	return readHeaderFile(d.path(HeaderFile))
}

// WriteHeader atomically replaces header.json.
func (d *Dir) WriteHeader(h Header) error {
	b, err := encodeHeader(h)
	if err != nil {
		return &Error{Kind: KindCorruptHeader, Op: "encode header", Err: err}
	}
	return d.writeFile(d.path(HeaderFile), b)
}

// ReadManifest returns the raw encrypted manifest. A missing file is
// reported with an error wrapping os.ErrNotExist.
func (d *Dir) ReadManifest() ([]byte, error) {
	p := d.path(ManifestFile)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, ioErr("read", p, err)
	}
	return b, nil
}

// WriteManifest atomically replaces manifest.bin. This rename is the commit
// point of every store mutation: an error matching ErrRenamed means the new
// manifest is in place.
func (d *Dir) WriteManifest(b []byte) error {
	return d.writeFile(d.path(ManifestFile), b)
}

// EnsureLayout creates objects/ and orphans/.
func (d *Dir) EnsureLayout() error {
	for _, sub := range []string{ObjectsDir, OrphansDir} {
		p := d.path(sub)
		if err := os.MkdirAll(p, dirPerm); err != nil {
			return ioErr("mkdir", p, err)
		}
	}
	return nil
}

// WritePending atomically stages blob for id.
func (d *Dir) WritePending(id string, blob []byte) error {
	p := d.PendingPath(id)
	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return ioErr("mkdir", filepath.Dir(p), err)
	}
	return d.writeFile(p, blob)
}

// Promote renames the staged blob over the live one.
func (d *Dir) Promote(id string) error {
	return renameDurable(d.PendingPath(id), d.BlobPath(id), d.sync)
}

func (d *Dir) ReadBlob(id string) ([]byte, error) {
	p := d.BlobPath(id)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, ioErr("read", p, err)
	}
	return b, nil
}

func (d *Dir) ReadPending(id string) ([]byte, error) {
	p := d.PendingPath(id)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, ioErr("read", p, err)
	}
	return b, nil
}

// RemoveBlob unlinks the live and staged blobs of id. Missing files are fine.
func (d *Dir) RemoveBlob(id string) error {
	var errs []error
	for _, p := range []string{d.BlobPath(id), d.PendingPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, ioErr("remove", p, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveAllObjects best-effort unlinks every blob under objects/ and returns
// the failures joined.
func (d *Dir) RemoveAllObjects() error {
	scan, err := d.Scan()
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range scan.Files {
		if f.Class != ClassBlob && f.Class != ClassPending {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, ioErr("remove", f.Path, err))
		}
	}
	return errors.Join(errs...)
}

// Quarantine moves path under orphans/ and returns the new name. Nothing is
// deleted.
func (d *Dir) Quarantine(path string, stamp int64) (string, error) {
	dir := d.path(OrphansDir)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", ioErr("mkdir", dir, err)
	}
	rel, err := filepath.Rel(d.path(ObjectsDir), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	base := fmt.Sprintf("%s.%d", strings.ReplaceAll(rel, string(filepath.Separator), "-"), stamp)
	name := base
	for n := 1; ; n++ {
		if _, err := os.Lstat(filepath.Join(dir, name)); errors.Is(err, os.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%s.%d", base, n)
	}
	if err := renameDurable(path, filepath.Join(dir, name), d.sync); err != nil && !errors.Is(err, ErrRenamed) {
		return "", err
	}
	return name, nil
}

// RemoveRootTemps deletes leftovers of interrupted header or manifest
// writes and returns their names.
func (d *Dir) RemoveRootTemps() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, ioErr("list", d.root, err)
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || !isTempName(e.Name()) {
			continue
		}
		p := d.path(e.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, ioErr("remove", p, err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// RemoveTemp deletes one leftover temp file under objects/.
func (d *Dir) RemoveTemp(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioErr("remove", path, err)
	}
	return nil
}

// Orphans lists the files already quarantined.
func (d *Dir) Orphans() ([]string, error) {
	p := d.path(OrphansDir)
	entries, err := os.ReadDir(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("list", p, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
