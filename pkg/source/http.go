package source

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fsutil"
	"github.com/glorpus-work/dataget/pkg/httpclient"
	"github.com/glorpus-work/dataget/pkg/model"
)

// contentTypeExtensions maps archive content types to the extension the
// downloaded file gets when neither the response headers nor the URL name it.
var contentTypeExtensions = map[string]string{
	"application/zip":    ".zip",
	"application/x-tar":  ".tar",
	"application/gzip":   ".tar.gz",
	"application/x-gzip": ".tar.gz",
}

// HTTPProvider is the generic http(s) fallback: a single GET streamed into
// staging. URL families owned by more specific providers are declined so the
// registry order stays authoritative even when a provider is asked directly.
type HTTPProvider struct {
	client *httpclient.Client
}

// NewHTTP creates the generic HTTP provider on the shared client.
func NewHTTP(client *httpclient.Client) *HTTPProvider {
	return &HTTPProvider{client: client}
}

// Name identifies the provider in logs and run reports.
func (p *HTTPProvider) Name() string { return "http" }

// Supports accepts plain http(s) URLs that no specialized provider owns.
func (p *HTTPProvider) Supports(source string) bool {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return false
	}
	if strings.HasSuffix(source, ".git") ||
		strings.Contains(source, "drive.google.com") ||
		strings.Contains(source, "osf.io") {
		return false
	}
	return true
}

// Fetch downloads the URL into the staging directory. The file name comes
// from the Content-Disposition header, then the URL path, then the content
// type.
func (p *HTTPProvider) Fetch(ctx context.Context, ds model.Dataset, stagingDir string) error {
	resp, err := p.client.Get(ctx, ds.Source)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	name := downloadFilename(resp, ds.Source)
	written, err := saveBody(resp.Body, filepath.Join(stagingDir, name))
	if err != nil {
		return err
	}
	logger.Debugf("downloaded %s (%d bytes) from %s", name, written, ds.Source)
	return nil
}

// EstimateSize asks the server for the payload size via HEAD.
func (p *HTTPProvider) EstimateSize(ctx context.Context, ds model.Dataset) (int64, error) {
	return p.client.ContentLength(ctx, ds.Source)
}

// downloadFilename derives the local file name for a response.
func downloadFilename(resp *http.Response, rawURL string) string {
	if name := headerFilename(resp); name != "" {
		return name
	}
	if name := urlFilename(rawURL); name != "" {
		return name
	}
	return "download" + extensionFor(resp.Header.Get("Content-Type"))
}

// headerFilename extracts the name the server suggests via
// Content-Disposition. Only the base name is trusted.
func headerFilename(resp *http.Response) string {
	disposition := resp.Header.Get("Content-Disposition")
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	name := filepath.Base(filepath.FromSlash(params["filename"]))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// urlFilename falls back to the last URL path segment, query stripped.
func urlFilename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "/" || name == "." || name == "" {
		return ""
	}
	return name
}

// extensionFor picks an extension for anonymous downloads from the content
// type, defaulting to .bin.
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	if ext, ok := contentTypeExtensions[mediaType]; ok {
		return ext
	}
	return ".bin"
}

// saveBody streams a response body to destPath, creating parent directories
// as needed. Interrupted transfers are marked transient for the retry
// schedule.
func saveBody(body io.Reader, destPath string) (int64, error) {
	if err := fsutil.EnsureFileDir(destPath); err != nil {
		return 0, err
	}
	file, err := fsutil.CreateFilePerm(destPath, fsutil.FileModeDefault)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", destPath)
	}

	written, err := io.Copy(file, body)
	if err != nil {
		_ = file.Close()
		return written, errors.Transient(errors.Wrapf(err, "failed to write %s", destPath))
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return written, errors.Wrapf(err, "failed to sync %s", destPath)
	}
	if err := file.Close(); err != nil {
		return written, errors.Wrapf(err, "failed to close %s", destPath)
	}
	return written, nil
}
