package bucket

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreWriteSealAndServe(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "job-1")
	require.NoError(t, err)
	defer store.Close()

	w, err := store.NewWriter(3, 0, 1)
	require.NoError(t, err)
	require.NoError(t, w.Emit([]byte("a"), []byte("1")))
	require.NoError(t, w.Emit([]byte("b"), []byte("2")))
	require.NoError(t, w.Seal())

	srv := httptest.NewServer(NewServer(store).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bucket/3/0/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	k, v, err := ReadFrame(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), k)
	require.Equal(t, []byte("1"), v)
}

func TestServerUnknownBucketIs404(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "job-2")
	require.NoError(t, err)
	defer store.Close()

	srv := httptest.NewServer(NewServer(store).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bucket/9/0/0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerDeletedBucketIs410(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "job-3")
	require.NoError(t, err)
	defer store.Close()

	w, err := store.NewWriter(1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.Emit([]byte("k"), []byte("v")))
	require.NoError(t, w.Seal())
	require.NoError(t, store.Catalog.MarkDeleted(1, 0, 0))

	srv := httptest.NewServer(NewServer(store).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bucket/1/0/0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)
}
