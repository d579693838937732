package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/attachqueue"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]attachqueue.Attachment

	commits  int
	deletes  int
	changedC chan struct{}
}

func newFakeStore(rows ...attachqueue.Attachment) *fakeStore {
	s := &fakeStore{rows: make(map[string]attachqueue.Attachment), changedC: make(chan struct{}, 1)}
	for _, r := range rows {
		s.rows[r.ID] = r
	}

	return s
}

func (s *fakeStore) GetByState(_ context.Context, state attachqueue.State) ([]attachqueue.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []attachqueue.Attachment

	for _, r := range s.rows {
		if r.State == state {
			out = append(out, r)
		}
	}

	return out, nil
}

func (s *fakeStore) CommitTransition(_ context.Context, id string, expected attachqueue.Attachment, mutate func(attachqueue.Attachment) attachqueue.Attachment, now int64) (bool, attachqueue.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits++

	cur, ok := s.rows[id]
	if !ok || cur.State != expected.State || cur.Timestamp != expected.Timestamp {
		return false, attachqueue.Attachment{}, nil
	}

	next := mutate(cur)
	next.Timestamp = now
	s.rows[id] = next

	return true, next, nil
}

func (s *fakeStore) DeleteIfState(_ context.Context, id string, expected attachqueue.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes++

	cur, ok := s.rows[id]
	if !ok || cur.State != expected {
		return false, nil
	}

	delete(s.rows, id)

	return true, nil
}

func (s *fakeStore) Changed() <-chan struct{} { return s.changedC }

func (s *fakeStore) get(id string) (attachqueue.Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]

	return a, ok
}

type fakeLocal struct {
	mu      sync.Mutex
	written map[string][]byte
	delErr  error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{written: make(map[string][]byte)}
}

func (f *fakeLocal) Path(filename string) string { return "/store/" + filename }

func (f *fakeLocal) Write(filename string, producer attachqueue.BytesProducer) (string, int64, error) {
	rc, err := producer()
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", 0, err
	}

	f.mu.Lock()
	f.written[filename] = data
	f.mu.Unlock()

	return f.Path(filename), int64(len(data)), nil
}

func (f *fakeLocal) Read(path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for name, data := range f.written {
		if f.Path(name) == path {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	return nil, attachqueue.ErrLocalNotFound
}

func (f *fakeLocal) Delete(path string) error {
	if f.delErr != nil {
		return f.delErr
	}

	return nil
}

func (f *fakeLocal) Exists(path string) bool { return false }

type fakeRemote struct {
	uploadErr   error
	downloadErr error
	deleteErr   error

	uploaded []byte
	deleted  []string
}

func (r *fakeRemote) UploadFile(_ context.Context, a attachqueue.Attachment, content io.Reader) error {
	if r.uploadErr != nil {
		return r.uploadErr
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}

	r.uploaded = data

	return nil
}

func (r *fakeRemote) DownloadFile(_ context.Context, a attachqueue.Attachment) (io.ReadCloser, error) {
	if r.downloadErr != nil {
		return nil, r.downloadErr
	}

	return io.NopCloser(bytes.NewReader([]byte("remote-bytes"))), nil
}

func (r *fakeRemote) DeleteFile(_ context.Context, a attachqueue.Attachment) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}

	r.deleted = append(r.deleted, a.ID)

	return nil
}

type giveUpHandler struct{}

func (giveUpHandler) OnUploadError(attachqueue.Attachment, error) bool   { return false }
func (giveUpHandler) OnDownloadError(attachqueue.Attachment, error) bool { return false }
func (giveUpHandler) OnDeleteError(attachqueue.Attachment, error) bool   { return false }

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) OnTransition(a attachqueue.Attachment, from, to attachqueue.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, a.ID+":"+string(from)+"->"+string(to))
}

func (o *recordingObserver) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

func TestWorker_Upload_Succeeds_TransitionsToSynced(t *testing.T) {
	local := newFakeLocal()
	local.written["a.jpg"] = []byte("hello")

	store := newFakeStore(attachqueue.Attachment{ID: "a", Filename: "a.jpg", State: attachqueue.StateQueuedUpload, Timestamp: 1})
	remote := &fakeRemote{}
	obs := &recordingObserver{}

	w := New(Config{Store: store, Local: local, Remote: remote, Observer: obs, NowFunc: func() int64 { return 2 }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	waitFor(t, func() bool {
		a, ok := store.get("a")
		return ok && a.State == attachqueue.StateSynced
	})

	a, _ := store.get("a")
	assert.True(t, a.HasSynced)
	assert.Equal(t, []byte("hello"), remote.uploaded)
	assert.Equal(t, 1, obs.len())
}

func TestWorker_Upload_GivesUp_ArchivesRow(t *testing.T) {
	local := newFakeLocal()
	local.written["a.jpg"] = []byte("hello")

	store := newFakeStore(attachqueue.Attachment{ID: "a", Filename: "a.jpg", State: attachqueue.StateQueuedUpload, Timestamp: 1})
	remote := &fakeRemote{uploadErr: errors.New("boom")}

	w := New(Config{Store: store, Local: local, Remote: remote, ErrorHandler: giveUpHandler{}, NowFunc: func() int64 { return 5 }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	waitFor(t, func() bool {
		a, ok := store.get("a")
		return ok && a.State == attachqueue.StateArchived
	})
}

func TestWorker_Download_Succeeds_WritesFileAndSynced(t *testing.T) {
	local := newFakeLocal()

	store := newFakeStore(attachqueue.Attachment{ID: "b", Filename: "b.png", State: attachqueue.StateQueuedDownload, Timestamp: 1})
	remote := &fakeRemote{}

	w := New(Config{Store: store, Local: local, Remote: remote, DownloadAttachments: true, NowFunc: func() int64 { return 9 }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	waitFor(t, func() bool {
		a, ok := store.get("b")
		return ok && a.State == attachqueue.StateSynced
	})

	local.mu.Lock()
	data := local.written["b.png"]
	local.mu.Unlock()
	assert.Equal(t, []byte("remote-bytes"), data)
}

func TestWorker_DownloadDisabled_LeavesRowQueued(t *testing.T) {
	local := newFakeLocal()
	store := newFakeStore(attachqueue.Attachment{ID: "b", Filename: "b.png", State: attachqueue.StateQueuedDownload, Timestamp: 1})
	remote := &fakeRemote{}

	w := New(Config{Store: store, Local: local, Remote: remote, DownloadAttachments: false})

	w.activate(context.Background())
	w.Stop() // no goroutines were started, Stop just waits on an empty group

	a, ok := store.get("b")
	require.True(t, ok)
	assert.Equal(t, attachqueue.StateQueuedDownload, a.State)
}

func TestWorker_Delete_Succeeds_RemovesRowAndLocalFile(t *testing.T) {
	local := newFakeLocal()
	local.written["c.jpg"] = []byte("bye")

	store := newFakeStore(attachqueue.Attachment{ID: "c", Filename: "c.jpg", State: attachqueue.StateQueuedDelete, Timestamp: 1})
	remote := &fakeRemote{}

	w := New(Config{Store: store, Local: local, Remote: remote})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	waitFor(t, func() bool {
		_, ok := store.get("c")
		return !ok
	})

	assert.Equal(t, []string{"c"}, remote.deleted)
}

func TestWorker_PerIDInFlightGuard_SkipsAlreadyClaimed(t *testing.T) {
	local := newFakeLocal()
	store := newFakeStore()

	w := New(Config{Store: store, Local: local, Remote: &fakeRemote{}})

	require.True(t, w.claim("x"))
	assert.False(t, w.claim("x"), "second claim of the same id must fail while in flight")

	w.release("x")
	assert.True(t, w.claim("x"), "claim must succeed again after release")
}

func TestWorker_Trigger_ActivatesImmediately(t *testing.T) {
	local := newFakeLocal()
	local.written["a.jpg"] = []byte("hello")

	store := newFakeStore(attachqueue.Attachment{ID: "a", Filename: "a.jpg", State: attachqueue.StateQueuedUpload, Timestamp: 1})
	remote := &fakeRemote{}

	w := New(Config{Store: store, Local: local, Remote: remote})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	w.Trigger()

	waitFor(t, func() bool {
		a, ok := store.get("a")
		return ok && a.State == attachqueue.StateSynced
	})
}
