package snapshot

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankwatch/internal/hash/sha256"
	"github.com/JakeFAU/rankwatch/internal/rank"
	"github.com/JakeFAU/rankwatch/internal/storage/memory"
)

func TestSaveUsesContentAddressedPath(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	hasher := sha256.New()
	rec := New(store, hasher, "/snapshots/", nil)

	html := "<html>unusual traffic</html>"
	uri, err := rec.Save(context.Background(), rank.WorkItem{ID: 42}, "blocked", html)
	require.NoError(t, err)

	sum, err := hasher.Hash([]byte(html))
	require.NoError(t, err)
	want := "snapshots/42/" + sum + ".html"
	require.Equal(t, "memory://"+want, uri)
	got, ok := store.Object(want)
	require.True(t, ok)
	require.Equal(t, html, string(got))
}

func TestSaveNoopWithoutStore(t *testing.T) {
	t.Parallel()

	rec := New(nil, sha256.New(), "x", nil)
	uri, err := rec.Save(context.Background(), rank.WorkItem{ID: 1}, "blocked", "<html/>")
	require.NoError(t, err)
	require.Empty(t, uri)

	var nilRec *Recorder
	_, err = nilRec.Save(context.Background(), rank.WorkItem{}, "", "<html/>")
	require.NoError(t, err)
}

func TestSaveSurfacesStoreError(t *testing.T) {
	t.Parallel()

	rec := New(failingStore{}, sha256.New(), "snapshots", nil)
	_, err := rec.Save(context.Background(), rank.WorkItem{ID: 1}, "blocked", "<html/>")
	require.Error(t, err)
}

// --- fakes ---

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket missing")
}
