// Package dirstore is a local-directory RemoteStore: a demo "remote" that
// lets the queue and the CLI demo run end to end without cloud credentials.
// It deliberately has the same atomic-write discipline as
// internal/localstore so the demo behaves the way a real object store does
// (a failed upload never leaves a partial object visible).
package dirstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/localfirst/attachqueue"
)

// Store implements attachqueue.RemoteStore over a plain directory.
type Store struct {
	Directory string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &Store{Directory: dir}, nil
}

func (s *Store) path(a attachqueue.Attachment) string {
	return filepath.Join(s.Directory, a.Filename)
}

// UploadFile copies content to the object path, atomically.
func (s *Store) UploadFile(ctx context.Context, a attachqueue.Attachment, content io.Reader) error {
	final := s.path(a)
	tmp := final + ".uploading"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return &attachqueue.RemoteErr{Op: "upload", ID: a.ID, Err: err}
	}

	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(tmp)

		return &attachqueue.RemoteErr{Op: "upload", ID: a.ID, Err: err}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &attachqueue.RemoteErr{Op: "upload", ID: a.ID, Err: err}
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return &attachqueue.RemoteErr{Op: "upload", ID: a.ID, Err: err}
	}

	return nil
}

// DownloadFile opens the object for streaming.
func (s *Store) DownloadFile(ctx context.Context, a attachqueue.Attachment) (io.ReadCloser, error) {
	f, err := os.Open(s.path(a))
	if os.IsNotExist(err) {
		return nil, &attachqueue.RemoteErr{Op: "download", ID: a.ID, Err: attachqueue.ErrRemoteNotFound}
	}

	if err != nil {
		return nil, &attachqueue.RemoteErr{Op: "download", ID: a.ID, Err: err}
	}

	return f, nil
}

// DeleteFile removes the object, tolerating one that's already missing.
func (s *Store) DeleteFile(ctx context.Context, a attachqueue.Attachment) error {
	if err := os.Remove(s.path(a)); err != nil && !os.IsNotExist(err) {
		return &attachqueue.RemoteErr{Op: "delete", ID: a.ID, Err: err}
	}

	return nil
}

var _ attachqueue.RemoteStore = (*Store)(nil)
