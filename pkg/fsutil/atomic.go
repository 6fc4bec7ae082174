package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// File is one file to be installed by an AtomicWriter
type File struct {
	Path string
	Data []byte
	Perm os.FileMode
}

// FileWriter installs files so readers never observe a partial write
type FileWriter interface {
	WriteFiles(files ...File) error
}

// AtomicWriter stages every file as a temp file in the target directory and
// renames them into place only once all of them are durably written. When
// several files are installed and a rename fails, files already renamed are
// rolled back to their previous contents.
type AtomicWriter struct {
	// BeforeRename runs after staging and before the first rename.
	// Returning an error aborts the install, leaving existing files untouched.
	BeforeRename func(staged []string) error

	rename func(oldpath, newpath string) error
}

// NewAtomicWriter creates a writer with no hooks
func NewAtomicWriter() *AtomicWriter {
	return &AtomicWriter{}
}

// WriteFile atomically replaces a single file
func (w *AtomicWriter) WriteFile(path string, data []byte, perm os.FileMode) error {
	return w.WriteFiles(File{Path: path, Data: data, Perm: perm})
}

// WriteFiles stages all files, then renames each into place
func (w *AtomicWriter) WriteFiles(files ...File) error {
	staged := make([]string, 0, len(files))
	cleanup := func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}

	for _, f := range files {
		tmp, err := stage(f)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, tmp)
	}

	if w.BeforeRename != nil {
		if err := w.BeforeRename(staged); err != nil {
			cleanup()
			return fmt.Errorf("install aborted: %w", err)
		}
	}

	var previous []string
	if len(files) > 1 {
		var err error
		if previous, err = snapshot(files); err != nil {
			cleanup()
			return err
		}
		defer func() { removeAll(previous) }()
	}

	for i, f := range files {
		if err := w.renameFile(staged[i], f.Path); err != nil {
			cleanup()
			if previous != nil {
				w.restore(files[:i], previous)
			}
			return fmt.Errorf("failed to rename %s into place: %w", f.Path, err)
		}
		staged[i] = ""
	}

	for _, f := range files {
		if err := syncDir(filepath.Dir(f.Path)); err != nil {
			return fmt.Errorf("failed to sync directory of %s: %w", f.Path, err)
		}
	}

	return nil
}

func (w *AtomicWriter) renameFile(oldpath, newpath string) error {
	if w.rename != nil {
		return w.rename(oldpath, newpath)
	}
	return os.Rename(oldpath, newpath)
}

// snapshot stages a copy of each existing target next to it. An empty entry
// means the target did not exist.
func snapshot(files []File) ([]string, error) {
	copies := make([]string, len(files))
	for i, f := range files {
		info, err := os.Stat(f.Path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			removeAll(copies)
			return nil, fmt.Errorf("failed to stat %s: %w", f.Path, err)
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			removeAll(copies)
			return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
		}
		if copies[i], err = stage(File{Path: f.Path, Data: data, Perm: info.Mode().Perm()}); err != nil {
			removeAll(copies)
			return nil, err
		}
	}
	return copies, nil
}

// restore puts back the previous contents of files already renamed
func (w *AtomicWriter) restore(installed []File, previous []string) {
	for i, f := range installed {
		if previous[i] == "" {
			_ = os.Remove(f.Path)
			continue
		}
		if err := w.renameFile(previous[i], f.Path); err == nil {
			previous[i] = ""
		}
	}
}

func removeAll(paths []string) {
	for _, p := range paths {
		if p != "" {
			_ = os.Remove(p)
		}
	}
}

func stage(f File) (string, error) {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for %s: %w", f.Path, err)
	}
	name := tmp.Name()

	fail := func(op string, err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to %s %s: %w", op, name, err)
	}

	if err := tmp.Chmod(f.Perm); err != nil {
		return fail("chmod", err)
	}
	if _, err := tmp.Write(f.Data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}

	return name, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// Fingerprint returns the hex sha256 of data
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileFingerprint returns the hex sha256 of a file's contents
func FileFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Fingerprint(data), nil
}
