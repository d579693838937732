package attachqueue

import "context"

// ReferenceSource is the external collaborator behind the reactive watcher:
// it emits the complete current set of referenced attachments on every
// relevant change to the host application's relational data. The core does
// not implement the underlying watch/diff over SQL — that lives entirely
// outside this module — it only consumes the resulting sequence.
type ReferenceSource interface {
	// Subscribe starts emitting. The returned channel delivers the full
	// referenced set on every emission and is closed when ctx is done or
	// the source's underlying watch terminates. A closed channel carries no
	// error explaining why the watch ended.
	Subscribe(ctx context.Context) (<-chan []WatchedAttachmentItem, error)
}

// Watcher subscribes to a ReferenceSource and forwards the latest emission
// to a Reconciler, coalescing bursts so that only the most recent pending
// emission survives backpressure.
type Watcher struct {
	source     ReferenceSource
	onEmission func(context.Context, []WatchedAttachmentItem)
}

// NewWatcher creates a Watcher that calls onEmission for each coalesced
// emission from source.
func NewWatcher(source ReferenceSource, onEmission func(context.Context, []WatchedAttachmentItem)) *Watcher {
	return &Watcher{source: source, onEmission: onEmission}
}

// Run subscribes and forwards emissions until ctx is cancelled. It is
// single-threaded cooperative scheduling: the loop either waits on the next
// emission or is busy running onEmission, never both.
//
// Coalescing is implemented with a size-1 buffered relay: if onEmission is
// still running when further emissions arrive, only the latest is kept and
// delivered once the current run completes.
func (w *Watcher) Run(ctx context.Context) error {
	upstream, err := w.source.Subscribe(ctx)
	if err != nil {
		return err
	}

	pending := make(chan []WatchedAttachmentItem, 1)

	go relay(ctx, upstream, pending)

	for {
		select {
		case <-ctx.Done():
			return nil
		case items, ok := <-pending:
			if !ok {
				return nil
			}

			w.onEmission(ctx, items)
		}
	}
}

// relay drains upstream into pending, dropping an older unread value
// whenever a newer one arrives so pending always holds at most the latest
// emission (latest-emission-wins coalescing).
func relay(ctx context.Context, upstream <-chan []WatchedAttachmentItem, pending chan<- []WatchedAttachmentItem) {
	defer close(pending)

	for {
		select {
		case <-ctx.Done():
			return
		case items, ok := <-upstream:
			if !ok {
				return
			}

			select {
			case pending <- items:
			default:
				// Drop the stale pending value, then deliver the new one.
				select {
				case <-pending:
				default:
				}

				select {
				case pending <- items:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
