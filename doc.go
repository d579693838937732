// Package attachqueue implements a durable, reactive synchronization engine
// that reconciles a set of logical attachment references against files on a
// local filesystem and objects in a remote blob store.
//
// A host application owns a relational table that references attachment IDs
// (e.g. a "photo_id" column on a "posts" row) and supplies the current set
// of referenced IDs as a reactive sequence via ReferenceSource. The Queue
// reconciles that set against its own attachment-state table and drives
// each attachment through upload, download, delete and archival as needed.
package attachqueue
