// Package cache implements the archival cache manager's selection rule as a
// pure function; deleting the evicted rows and their local files is done by
// the caller (Queue.runCachePass in the root package). Kept pure/in-memory for the same reason
// internal/reconcile is pure — the selection rule is the part worth
// testing exhaustively, independent of storage.
package cache

import (
	"sort"

	"github.com/localfirst/attachqueue"
)

// SelectEvictions returns the oldest-timestamp archived rows in excess of
// limit. archived need not be pre-sorted. A limit of 0 evicts everything.
func SelectEvictions(archived []attachqueue.Attachment, limit int) []attachqueue.Attachment {
	if limit < 0 {
		limit = 0
	}

	if len(archived) <= limit {
		return nil
	}

	sorted := make([]attachqueue.Attachment, len(archived))
	copy(sorted, archived)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	excess := len(sorted) - limit

	return sorted[:excess]
}
