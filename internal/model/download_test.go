package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestDownloadWritesAtomically(t *testing.T) {
	payload := make([]byte, MinFileBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(testLogger(), dir)
	d.client = srv.Client()

	// Point the request at the test server by pre-resolving through a
	// RoundTripper that rewrites the host.
	d.client.Transport = rewriteHost(srv)

	var final float64
	err := d.Download(context.Background(), Tiny, func(_ Identity, p float64) { final = p })
	if err != nil {
		t.Fatal(err)
	}
	if final != 1.0 {
		t.Fatalf("expected final progress 1.0, got %f", final)
	}
	info, err := os.Stat(Tiny.Path(dir))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(payload)) {
		t.Fatalf("size = %d", info.Size())
	}
	if _, err := os.Stat(Tiny.Path(dir) + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestDownloadRejectsTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny body"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := NewDownloader(testLogger(), dir)
	d.client = srv.Client()
	d.client.Transport = rewriteHost(srv)

	if err := d.Download(context.Background(), Tiny, nil); err == nil {
		t.Fatal("truncated download should fail")
	}
	if _, err := os.Stat(Tiny.Path(dir)); !os.IsNotExist(err) {
		t.Fatal("failed download must not leave a model file")
	}
}

func TestDownloadSkipsCompleteFile(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeDummyModel(t, dir, Tiny)
	d := NewDownloader(testLogger(), dir)
	d.client = srv.Client()
	d.client.Transport = rewriteHost(srv)

	if err := d.Download(context.Background(), Tiny, nil); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("complete file should not be re-downloaded")
	}
}

// rewriteHost sends every request to the test server regardless of the
// request URL.
func rewriteHost(srv *httptest.Server) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
