package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSupports(t *testing.T) {
	provider := NewHTTP(testClient())

	tests := []struct {
		source string
		want   bool
	}{
		{source: "https://example.com/data.zip", want: true},
		{source: "http://example.com/data", want: true},
		{source: "s3://bucket/data", want: false},
		{source: "ftp://example.com/data", want: false},
		{source: "https://github.com/org/repo.git", want: false},
		{source: "https://drive.google.com/file/d/abc/view", want: false},
		{source: "https://osf.io/fuqsk/", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, provider.Supports(tt.source), tt.source)
	}
}

func TestHTTPFetchUsesContentDispositionName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="payload.tar.gz"`)
		_, _ = w.Write([]byte("archive bytes"))
	}))
	defer server.Close()

	staging := t.TempDir()
	provider := NewHTTP(testClient())
	ds := model.Dataset{Source: server.URL + "/download?id=7"}

	require.NoError(t, provider.Fetch(context.Background(), ds, staging))

	content, err := os.ReadFile(filepath.Join(staging, "payload.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(content))
}

func TestHTTPFetchFallsBackToURLName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("content"))
	}))
	defer server.Close()

	staging := t.TempDir()
	provider := NewHTTP(testClient())
	ds := model.Dataset{Source: server.URL + "/files/dataset.zip?token=abc"}

	require.NoError(t, provider.Fetch(context.Background(), ds, staging))
	assert.FileExists(t, filepath.Join(staging, "dataset.zip"), "query parameters are not part of the name")
}

func TestHTTPFetchDerivesNameFromContentType(t *testing.T) {
	tests := []struct {
		contentType string
		wantName    string
	}{
		{contentType: "application/zip", wantName: "download.zip"},
		{contentType: "application/gzip", wantName: "download.tar.gz"},
		{contentType: "application/x-tar", wantName: "download.tar"},
		{contentType: "application/octet-stream", wantName: "download.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = w.Write([]byte("content"))
			}))
			defer server.Close()

			staging := t.TempDir()
			provider := NewHTTP(testClient())
			ds := model.Dataset{Source: server.URL + "/"}

			require.NoError(t, provider.Fetch(context.Background(), ds, staging))
			assert.FileExists(t, filepath.Join(staging, tt.wantName))
		})
	}
}

func TestHTTPEstimateSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "4096")
	}))
	defer server.Close()

	provider := NewHTTP(testClient())
	size, err := provider.EstimateSize(context.Background(), model.Dataset{Source: server.URL})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)
}

func TestHTTPFetchClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErrIs error
		transient bool
	}{
		{name: "server error retries", status: http.StatusInternalServerError, transient: true},
		{name: "forbidden aborts", status: http.StatusForbidden, wantErrIs: errors.ErrAuthorization},
		{name: "missing file aborts", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			provider := NewHTTP(testClient())
			err := provider.Fetch(context.Background(), model.Dataset{Source: server.URL}, t.TempDir())
			require.Error(t, err)
			if tt.wantErrIs != nil {
				assert.ErrorIs(t, err, tt.wantErrIs)
			}
			assert.Equal(t, tt.transient, errors.IsTransient(err))
		})
	}
}
