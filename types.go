package attachqueue

// State is the lifecycle state of a single Attachment row.
type State string

// The five states an Attachment can occupy. A row transitions between them
// under the control of the Reconciler and the Worker; see internal/reconcile
// and internal/worker.
const (
	StateQueuedUpload   State = "QUEUED_UPLOAD"
	StateQueuedDownload State = "QUEUED_DOWNLOAD"
	StateQueuedDelete   State = "QUEUED_DELETE"
	StateSynced         State = "SYNCED"
	StateArchived       State = "ARCHIVED"
)

// Attachment is the persistent record in the attachment-state table.
// Timestamp is a monotonic wall-clock millisecond value set by the
// repository on every mutation; it orders archival eviction.
type Attachment struct {
	ID          string
	Filename    string
	MediaType   string
	State       State
	Timestamp   int64
	Size        int64
	HasSize     bool
	HasSynced   bool
	MetaData    string
	HasMetaData bool
	// LocalURI is the path of the file pending upload. It is runtime-only:
	// populated by SaveFile and consulted by the worker, but not required
	// once an attachment has reached SYNCED (the filename derivation is
	// authoritative for locating the file on disk at that point).
	LocalURI string
}

// WatchedAttachmentItem is a transient record emitted by a ReferenceSource:
// "this attachment should exist and be fetched if missing." It carries no
// persistent identity of its own — only Attachment rows persist.
type WatchedAttachmentItem struct {
	ID            string
	FileExtension string
	MediaType     string
}
