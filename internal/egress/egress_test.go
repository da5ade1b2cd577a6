package egress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPRotatorReportsAddressChange(t *testing.T) {
	t.Parallel()

	var toggled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/toggle":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			toggled.Store(true)
			w.WriteHeader(http.StatusNoContent)
		case "/ip":
			if toggled.Load() {
				_, _ = w.Write([]byte("203.0.113.9\n"))
				return
			}
			_, _ = w.Write([]byte("198.51.100.4\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rot := New(Config{Mode: "http", Endpoint: srv.URL + "/toggle", IPCheckURL: srv.URL + "/ip"}, srv.Client())
	res, err := rot.Rotate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "198.51.100.4", res.OldAddress)
	require.Equal(t, "203.0.113.9", res.NewAddress)
}

func TestHTTPRotatorUnchangedAddressIsNotSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ip" {
			_, _ = w.Write([]byte("198.51.100.4"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rot := NewHTTP(Config{Endpoint: srv.URL + "/toggle", IPCheckURL: srv.URL + "/ip"}, srv.Client())
	res, err := rot.Rotate(context.Background())
	require.NoError(t, err)
	require.False(t, res.Success)
}

func TestHTTPRotatorToggleFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := NewHTTP(Config{Endpoint: srv.URL}, srv.Client()).Rotate(context.Background())
	require.NoError(t, err)
	require.False(t, res.Success)
}

func TestCommandRotator(t *testing.T) {
	t.Parallel()

	res, err := NewCommand(Config{Command: []string{"true"}}, http.DefaultClient).Rotate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = NewCommand(Config{Command: []string{"false"}}, http.DefaultClient).Rotate(context.Background())
	require.Error(t, err)

	_, err = NewCommand(Config{}, http.DefaultClient).Rotate(context.Background())
	require.Error(t, err)
}

func TestNewDefaultsToNoop(t *testing.T) {
	t.Parallel()

	rot := New(Config{}, nil)
	require.IsType(t, Noop{}, rot)
	res, err := rot.Rotate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
}
