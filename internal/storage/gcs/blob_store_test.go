package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsSnapshot(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body string
		name string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(raw)
		name = r.URL.Query().Get("name")
		mu.Unlock()
		assert.Contains(t, r.URL.Path, "/b/snapshots-bucket/o")
		fmt.Fprintln(w, `{"name":"`+r.URL.Query().Get("name")+`","bucket":"snapshots-bucket"}`)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "snapshots-bucket"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/snapshots/7/abc.html", "text/html", bytes.NewReader([]byte("<html>captcha</html>")))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots-bucket/snapshots/7/abc.html", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "snapshots/7/abc.html", name)
	require.True(t, strings.Contains(body, "<html>captcha</html>"))
	require.NoError(t, store.Close())
}

func TestPutObjectSurfacesServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "snapshots-bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.html", "text/html", bytes.NewReader([]byte("x")))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}
