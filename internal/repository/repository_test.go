package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyndonlyu/loupe/internal/filelock"
	"github.com/lyndonlyu/loupe/internal/packet"
	"github.com/lyndonlyu/loupe/internal/sessionfile"
	"github.com/lyndonlyu/loupe/internal/sessionheader"
)

func openTestRepo(t *testing.T, dir string, opts ...Option) (*Repository, *filelock.Owner) {
	t.Helper()
	m := filelock.NewManager()
	t.Cleanup(func() { m.Close() })
	r, err := Open(dir, m, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, m.RegisterOwner(t.Name())
}

func newHeader(app string, start time.Time) *sessionheader.SessionHeader {
	return sessionheader.New(sessionheader.Info{
		ID:          uuid.New(),
		Product:     "Loupe",
		Application: app,
		HostName:    "build-01",
		UserName:    "ci",
		StartTime:   start,
	})
}

func TestOpenCreatesIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "repo")
	r, _ := openTestRepo(t, dir)

	assert.FileExists(t, filepath.Join(dir, IndexFile))
	assert.True(t, filepath.IsAbs(r.Dir()))

	stats, err := r.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestNewSessionIndexesFile(t *testing.T) {
	r, owner := openTestRepo(t, t.TempDir())
	ctx := context.Background()
	h := newHeader("svc", time.Now())

	w, path, err := r.NewSession(ctx, owner, h)
	require.NoError(t, err)
	require.NoError(t, w.Append(packet.Message{Severity: packet.SeverityError, Caption: "boom"}))
	require.NoError(t, w.Close(true))

	assert.Equal(t, h.ID().String()+"_1"+sessionfile.Extension, filepath.Base(path))

	s, err := r.Session(ctx, h.ID().String())
	require.NoError(t, err)
	assert.Equal(t, "svc", s.Application)
	assert.Equal(t, "Running", s.Status)
	assert.Equal(t, 1, s.Files)

	files, err := r.Files(ctx, h.ID().String())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int32(1), files[0].Sequence)
	assert.Equal(t, FileOK, files[0].Status)
}

func TestNewSessionNumbersFragments(t *testing.T) {
	r, owner := openTestRepo(t, t.TempDir())
	ctx := context.Background()
	h := newHeader("svc", time.Now())

	for want := int32(1); want <= 3; want++ {
		w, path, err := r.NewSession(ctx, owner, h)
		require.NoError(t, err)
		require.NoError(t, w.Close(want == 3))

		_, got, err := sessionfile.ReadHeader(path)
		require.NoError(t, err)
		frag, ok := got.Fragment()
		require.True(t, ok)
		assert.Equal(t, want, frag.Sequence)
		assert.Equal(t, want == 3, frag.IsLastFile)
	}

	files, err := r.Files(ctx, h.ID().String())
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestNewSessionSkipsUnindexedFiles(t *testing.T) {
	dir := t.TempDir()
	r, owner := openTestRepo(t, dir)
	h := newHeader("svc", time.Now())

	// Left behind by a writer that never reached the index.
	stray := filepath.Join(dir, h.ID().String()+"_4"+sessionfile.Extension)
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o644))

	w, path, err := r.NewSession(context.Background(), owner, h)
	require.NoError(t, err)
	defer w.Close(false)
	assert.True(t, strings.HasSuffix(path, "_5"+sessionfile.Extension))
}

func writeExternal(t *testing.T, dir string, h *sessionheader.SessionHeader, msgs int) string {
	t.Helper()
	path := filepath.Join(dir, h.ID().String()+"_1"+sessionfile.Extension)
	w, err := sessionfile.Create(path, h)
	require.NoError(t, err)
	for range msgs {
		require.NoError(t, w.Append(packet.Message{Severity: packet.SeverityWarning, Caption: "w"}))
	}
	require.NoError(t, w.Close(true))
	return path
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	r, owner := openTestRepo(t, dir)
	ctx := context.Background()

	good := newHeader("good", time.Now())
	writeExternal(t, dir, good, 3)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes"+sessionfile.Extension), []byte("plain text, not a session"), 0o644))

	bad := writeExternal(t, dir, newHeader("bad", time.Now()), 0)
	data, err := os.ReadFile(bad)
	require.NoError(t, err)
	data[20+4+16+16+4+1] ^= 0xff
	require.NoError(t, os.WriteFile(bad, data, 0o644))

	res, err := r.Scan(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Indexed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Corrupt)
	assert.Equal(t, []string{bad}, res.CorruptFiles)

	s, err := r.Session(ctx, good.ID().String())
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.Messages)
	assert.Equal(t, int32(3), s.Warnings)
	assert.Equal(t, "Normal", s.Status)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sessions: 1, Files: 2, Corrupt: 1}, stats)
}

func TestScanPrunesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	r, owner := openTestRepo(t, dir)
	ctx := context.Background()

	h := newHeader("gone", time.Now())
	path := writeExternal(t, dir, h, 1)

	_, err := r.Scan(ctx, owner)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	res, err := r.Scan(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	_, err = r.Session(ctx, h.ID().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r, owner := openTestRepo(t, dir)
	ctx := context.Background()
	writeExternal(t, dir, newHeader("svc", time.Now()), 2)

	for range 2 {
		res, err := r.Scan(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Indexed)
	}
	sessions, err := r.Sessions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionsNewestFirst(t *testing.T) {
	r, owner := openTestRepo(t, t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := range 3 {
		h := newHeader("svc", base.Add(time.Duration(i)*time.Hour))
		w, _, err := r.NewSession(ctx, owner, h)
		require.NoError(t, err)
		require.NoError(t, w.Close(true))
		ids = append(ids, h.ID().String())
	}

	all, err := r.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	limited, err := r.Sessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSessionNotFound(t *testing.T) {
	r, _ := openTestRepo(t, t.TempDir())
	_, err := r.Session(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	r, owner := openTestRepo(t, t.TempDir())
	ctx := context.Background()
	h := newHeader("svc", time.Now())

	var paths []string
	for i := range 2 {
		w, path, err := r.NewSession(ctx, owner, h)
		require.NoError(t, err)
		require.NoError(t, w.Close(i == 1))
		paths = append(paths, path)
	}

	n, err := r.Remove(ctx, owner, h.ID().String())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, p := range paths {
		assert.NoFileExists(t, p)
	}

	_, err = r.Session(ctx, h.ID().String())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Remove(ctx, owner, h.ID().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSessionWaitsForRepositoryLock(t *testing.T) {
	dir := t.TempDir()
	r, owner := openTestRepo(t, dir, WithLockTimeout(50*time.Millisecond))

	// Another process holds the repository lock.
	other := filelock.NewManager(filelock.WithRetainIdle(false))
	defer other.Close()
	held, err := other.Lock(context.Background(), other.RegisterOwner("other"), nil, dir, RepositoryLock, 0, false)
	require.NoError(t, err)

	_, _, err = r.NewSession(context.Background(), owner, newHeader("svc", time.Now()))
	assert.ErrorIs(t, err, filelock.ErrLocked)

	require.NoError(t, held.Close())
	w, _, err := r.NewSession(context.Background(), owner, newHeader("svc", time.Now()))
	require.NoError(t, err)
	require.NoError(t, w.Close(true))
}

func TestUncompressedRepository(t *testing.T) {
	r, owner := openTestRepo(t, t.TempDir(), WithCompression(false))
	w, path, err := r.NewSession(context.Background(), owner, newHeader("svc", time.Now()))
	require.NoError(t, err)
	require.NoError(t, w.Append(packet.Message{Severity: packet.SeverityInformation, Caption: "hi"}))
	require.NoError(t, w.Close(true))

	rd, err := sessionfile.Open(path)
	require.NoError(t, err)
	defer rd.Close()
	msgs, err := rd.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Caption)
}
