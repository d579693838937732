// Package localstore implements the local file store: it confines
// attachment I/O to a single managed directory, writing atomically via
// write-to-temp-then-rename — the same discipline internal/sync/
// executor_transfer.go's DownloadToFile uses for downloads: write to
// ".partial", verify, atomic os.Rename to the final path.
package localstore

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/text/unicode/norm"

	"github.com/localfirst/attachqueue"
)

// tempSuffix marks an in-progress write. GC on Start() (see Store.Sweep)
// unlinks any file still carrying this suffix from a previous crash.
const tempSuffix = ".tmp"

// Store confines all attachment file I/O to Directory.
type Store struct {
	Directory string
	logger    *slog.Logger
}

// New creates a Store rooted at dir, creating the directory if necessary.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, classify("mkdir", dir, err)
	}

	return &Store{Directory: dir, logger: logger}, nil
}

// Filename derives the on-disk name for id: "{id}.{extension}". An empty
// extension is allowed — the filename is then just the id. The result is
// normalized to NFC (the same normalization internal/sync/scanner.go applies
// to item names) so an id or extension containing combining Unicode
// sequences doesn't produce two different filenames depending on which
// filesystem composed them.
func Filename(id, extension string) string {
	name := id
	if extension != "" {
		name = id + "." + extension
	}

	return norm.NFC.String(name)
}

// Path returns the absolute path for a filename within the store.
func (s *Store) Path(filename string) string {
	return filepath.Join(s.Directory, filename)
}

// Write streams producer into filename atomically (write-to-temp +
// rename) and returns the final path and the number of bytes written.
// Streaming never buffers the whole payload in memory.
func (s *Store) Write(filename string, producer attachqueue.BytesProducer) (path string, size int64, err error) {
	final := s.Path(filename)
	tmp := final + tempSuffix

	r, err := producer()
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, classify("create", tmp, err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(tmp)
		return "", 0, classify("write", tmp, copyErr)
	}

	if closeErr != nil {
		os.Remove(tmp)
		return "", 0, classify("close", tmp, closeErr)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", 0, classify("rename", final, err)
	}

	s.logger.Debug("local store write complete", "path", final, "size", n)

	return final, n, nil
}

// Read opens path for streaming. The caller must Close the result.
func (s *Store) Read(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify("open", path, err)
	}

	return f, nil
}

// Delete removes path, tolerating a missing file (callers treat delete as
// idempotent the same way the remote adapter's delete is required to be).
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return classify("delete", path, err)
	}

	return nil
}

// Exists reports whether path is present (os.Stat succeeds); it does not
// check that the file can be opened for reading.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Size reports the byte size of path.
func (s *Store) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, classify("stat", path, err)
	}

	return fi.Size(), nil
}

// Sweep removes orphaned temp files and files not referenced by any known
// id, a startup GC pass. knownIDs supplies the set of ids currently present in
// the attachment-state table; any on-disk file whose name is neither a known
// id nor a known id plus one extension is unlinked, along with every
// leftover *.tmp file regardless of
// id (an orphaned temp file is never valid to keep).
func (s *Store) Sweep(knownIDs map[string]bool) (removed int, err error) {
	entries, err := os.ReadDir(s.Directory)
	if err != nil {
		return 0, classify("readdir", s.Directory, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()

		if strings.HasSuffix(name, tempSuffix) {
			if rmErr := os.Remove(s.Path(name)); rmErr == nil {
				removed++
			}

			continue
		}

		id := idFromFilename(name)
		if !knownIDs[name] && !knownIDs[id] {
			if rmErr := os.Remove(s.Path(name)); rmErr == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Info("local store swept orphaned files", "removed", removed)
	}

	return removed, nil
}

// idFromFilename strips the last extension from a "{id}.{extension}" name,
// the inverse of Filename's derivation when an extension was appended
// ("a.b.jpg" gives "a.b"). For a name with no extension whose id itself
// contains '.', the result is not the id; Sweep therefore also checks the
// whole name against the known ids.
func idFromFilename(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}

	return name
}

func classify(op, path string, err error) error {
	var kind error

	switch {
	case os.IsNotExist(err):
		kind = attachqueue.ErrLocalNotFound
	case os.IsPermission(err):
		kind = attachqueue.ErrLocalPermissionDenied
	case errors.Is(err, syscall.ENOSPC):
		kind = attachqueue.ErrLocalOutOfSpace
	default:
		kind = attachqueue.ErrLocalOther
	}

	return attachqueue.NewLocalIoError(op, path, kind, err)
}
