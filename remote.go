package attachqueue

import (
	"context"
	"io"
)

// RemoteStore is the remote storage adapter consumed by the worker.
// Implementations live outside this package — internal/remote holds a
// local-directory demo adapter and an S3-backed one. Delete must be
// idempotent: deleting an already-missing object is success.
type RemoteStore interface {
	UploadFile(ctx context.Context, a Attachment, content io.Reader) error
	DownloadFile(ctx context.Context, a Attachment) (io.ReadCloser, error)
	DeleteFile(ctx context.Context, a Attachment) error
}

// RemoteStoreWithExpiry is an optional capability a RemoteStore
// implementation may additionally satisfy, type-asserted by callers the same
// way a base Uploader/Downloader capability is type-asserted into a more
// specific one elsewhere in this ecosystem. Adapters backed by presigned-URL
// object stores (e.g. S3) implement it; the local-directory demo adapter
// does not.
type RemoteStoreWithExpiry interface {
	PresignedURL(ctx context.Context, a Attachment, ttlSeconds int) (string, error)
}

// SyncErrorHandler is the optional consumed error policy collaborator:
// its three methods each return whether the worker should retry the
// corresponding operation class on the next cycle (true) or give up
// (false). The zero value's methods are never called directly — use
// DefaultSyncErrorHandler{} when the host supplies none.
type SyncErrorHandler interface {
	OnUploadError(a Attachment, err error) bool
	OnDownloadError(a Attachment, err error) bool
	OnDeleteError(a Attachment, err error) bool
}

// DefaultSyncErrorHandler always retries.
type DefaultSyncErrorHandler struct{}

func (DefaultSyncErrorHandler) OnUploadError(Attachment, error) bool   { return true }
func (DefaultSyncErrorHandler) OnDownloadError(Attachment, error) bool { return true }
func (DefaultSyncErrorHandler) OnDeleteError(Attachment, error) bool   { return true }
