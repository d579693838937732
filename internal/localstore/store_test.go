package localstore

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/attachqueue"
)

func producerFor(data []byte) attachqueue.BytesProducer {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func TestStore_WriteReadDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	path, size, err := s.Write(Filename("a", "jpg"), producerFor([]byte{0x01, 0x02, 0x03}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), path)
	assert.True(t, s.Exists(path))

	r, err := s.Read(path)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)

	gotSize, err := s.Size(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), gotSize)

	require.NoError(t, s.Delete(path))
	assert.False(t, s.Exists(path))

	// Delete is idempotent.
	require.NoError(t, s.Delete(path))
}

func TestStore_WriteIsAtomic_NoTempLeftOnSuccess(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	_, _, err = s.Write(Filename("b", "png"), producerFor([]byte{0xAA}))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.png", entries[0].Name())
}

func TestStore_NoExtension(t *testing.T) {
	assert.Equal(t, "id-only", Filename("id-only", ""))
}

func TestStore_ReadMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	_, err = s.Read(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, attachqueue.ErrLocalNotFound))
}

func TestStore_Sweep_RemovesOrphansAndTemp(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	_, _, err = s.Write(Filename("keep", "jpg"), producerFor([]byte{0x01}))
	require.NoError(t, err)
	_, _, err = s.Write(Filename("orphan", "jpg"), producerFor([]byte{0x02}))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.jpg.tmp"), []byte{0x03}, 0o600))

	removed, err := s.Sweep(map[string]bool{"keep": true})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.True(t, s.Exists(filepath.Join(dir, "keep.jpg")))
	assert.False(t, s.Exists(filepath.Join(dir, "orphan.jpg")))
	assert.False(t, s.Exists(filepath.Join(dir, "stale.jpg.tmp")))
}
