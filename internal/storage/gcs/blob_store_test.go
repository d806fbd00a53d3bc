package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const bucket = "test-bucket"

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, Config{Bucket: bucket, CacheControl: "no-cache"})
	require.NoError(t, err)
	return s
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: bucket})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	const path = "bodies/ab/abcdef"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucket))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>cached</html>")
		assert.Contains(t, string(body), path)
		fmt.Fprintf(w, `{"name": %q, "bucket": %q}`, path, bucket)
	})
	s := newTestStore(t, handler)

	uri, err := s.PutObject(context.Background(), "/"+path, "text/html", strings.NewReader("<html>cached</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/"+path, uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := s.PutObject(context.Background(), "obj", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutObjectEmptyPath(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.NotFoundHandler())
	_, err := s.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestOpenFailsOnMissingBucket(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": 404, "message": "Not Found"}}`)
	}))
	defer server.Close()

	_, err := Open(context.Background(), Config{Bucket: bucket}, nil,
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.Error(t, err)
}

func TestOpenSucceeds(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/"+bucket)
		fmt.Fprintf(w, `{"name": %q}`, bucket)
	}))
	defer server.Close()

	s, err := Open(context.Background(), Config{Bucket: bucket}, nil,
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestPutObjectIsWriteOnce(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `{"error": {"code": 412, "message": "conditionNotMet"}}`)
	}))

	uri, err := s.PutObject(context.Background(), "bodies/ab/abcdef", "text/html", strings.NewReader("dup"))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/bodies/ab/abcdef", uri)
}

func TestLocate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error": {"code": 404, "message": "No such object"}}`)
			return
		}
		fmt.Fprintf(w, `{"name": "bodies/ab/abcdef", "bucket": %q, "size": "3"}`, bucket)
	}))

	uri, found, err := s.Locate(context.Background(), "bodies/ab/abcdef")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "gs://test-bucket/bodies/ab/abcdef", uri)

	_, found, err = s.Locate(context.Background(), "bodies/missing")
	require.NoError(t, err)
	require.False(t, found)
}
