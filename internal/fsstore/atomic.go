package fsstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tempMarker = ".tmp."

// tempName returns path + ".tmp." + 16 hex digits.
func tempName(path string) (string, error) {
	var r [8]byte
	if _, err := rand.Read(r[:]); err != nil {
		return "", fmt.Errorf("temp name: %w", err)
	}
	return path + tempMarker + hex.EncodeToString(r[:]), nil
}

// isTempName reports whether name was produced by tempName.
func isTempName(name string) bool {
	i := strings.LastIndex(name, tempMarker)
	if i < 0 {
		return false
	}
	suffix := name[i+len(tempMarker):]
	if len(suffix) != 16 {
		return false
	}
	_, err := hex.DecodeString(suffix)
	return err == nil
}

// ErrRenamed marks a failure that happened after the rename: the new content
// is already visible under its final name, but the directory entry may not
// survive a power loss.
var ErrRenamed = errors.New("file replaced but directory not synced")

// WriteFileAtomic replaces path with data so that a crash leaves either the
// old or the new content: write temp, fsync temp, rename, fsync parent.
// An error matching ErrRenamed means the replacement took place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeFileAtomic(path, data, perm, syncDir)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode, sync func(string) error) error {
	tmp, err := tempName(path)
	if err != nil {
		return ioErr("write", path, err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return ioErr("create", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ioErr("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ioErr("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return ioErr("close", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ioErr("rename", path, err)
	}
	if err := sync(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: %w", ErrRenamed, err)
	}
	return nil
}

// renameDurable renames and fsyncs the destination directory, and the source
// directory when it differs. A sync failure matches ErrRenamed.
func renameDurable(from, to string, sync func(string) error) error {
	if err := os.Rename(from, to); err != nil {
		return ioErr("rename", to, err)
	}
	err := sync(filepath.Dir(to))
	if err == nil && filepath.Dir(from) != filepath.Dir(to) {
		err = sync(filepath.Dir(from))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRenamed, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioErr("open dir", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioErr("fsync dir", dir, err)
	}
	return nil
}
