package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/httpclient"
	"github.com/glorpus-work/dataget/pkg/model"
)

var (
	gdriveFilePathRe = regexp.MustCompile(`/file/d/([\w-]+)`)
	gdriveIDParamRe  = regexp.MustCompile(`[?&]id=([\w-]+)`)
	gdriveConfirmRe  = regexp.MustCompile(`confirm=([\w-]+)`)
)

// GDriveProvider downloads Google Drive share links. Drive does not serve
// large files directly: the first request returns an HTML interstitial whose
// confirm token (carried in the page or a download_warning cookie) must
// accompany a second request on the same cookie session.
type GDriveProvider struct {
	client  *httpclient.Client
	baseURL string
}

// NewGDrive creates the Google Drive provider on the shared client.
func NewGDrive(client *httpclient.Client) *GDriveProvider {
	return &GDriveProvider{client: client, baseURL: "https://drive.google.com"}
}

// Name identifies the provider in logs and run reports.
func (p *GDriveProvider) Name() string { return "google-drive" }

// Supports accepts drive.google.com share links.
func (p *GDriveProvider) Supports(source string) bool {
	return strings.Contains(source, "drive.google.com")
}

// Fetch downloads the shared file into the staging directory.
func (p *GDriveProvider) Fetch(ctx context.Context, ds model.Dataset, stagingDir string) error {
	id, err := extractDriveID(ds.Source)
	if err != nil {
		return err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create cookie jar")
	}
	base := p.client.HTTP()
	session := &http.Client{Transport: base.Transport, Timeout: base.Timeout, Jar: jar}

	downloadURL := fmt.Sprintf("%s/uc?export=download&id=%s", p.baseURL, id)
	resp, err := p.get(ctx, session, downloadURL)
	if err != nil {
		return err
	}

	if isHTML(resp) {
		token, tokenErr := confirmToken(resp)
		_ = resp.Body.Close()
		if tokenErr != nil {
			return tokenErr
		}
		logger.Debugf("google drive file %s needs download confirmation", id)
		resp, err = p.get(ctx, session, downloadURL+"&confirm="+token)
		if err != nil {
			return err
		}
		if isHTML(resp) {
			_ = resp.Body.Close()
			return fmt.Errorf("google drive did not release file %s, it may require sign-in", id)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	name := headerFilename(resp)
	if name == "" {
		name = "download" + extensionFor(resp.Header.Get("Content-Type"))
	}
	written, err := saveBody(resp.Body, filepath.Join(stagingDir, name))
	if err != nil {
		return err
	}
	logger.Debugf("downloaded %s (%d bytes) from google drive file %s", name, written, id)
	return nil
}

// EstimateSize cannot be answered: the export endpoint does not advertise a
// length until the confirm handshake completes.
func (p *GDriveProvider) EstimateSize(_ context.Context, _ model.Dataset) (int64, error) {
	return -1, nil
}

// get issues one GET on the cookie session with the engine's User-Agent and
// status classification.
func (p *GDriveProvider) get(ctx context.Context, session *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request for %s", rawURL)
	}
	req.Header.Set("User-Agent", httpclient.DefaultUserAgent)

	resp, err := session.Do(req)
	if err != nil {
		return nil, errors.Transient(errors.Wrapf(err, "request to %s failed", rawURL))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, httpclient.ClassifyStatus(rawURL, resp.StatusCode)
	}
	return resp, nil
}

// extractDriveID pulls the file id out of the share link forms Drive hands
// out: /file/d/<id>/... and ...?id=<id>.
func extractDriveID(source string) (string, error) {
	if m := gdriveFilePathRe.FindStringSubmatch(source); m != nil {
		return m[1], nil
	}
	if m := gdriveIDParamRe.FindStringSubmatch(source); m != nil {
		return m[1], nil
	}
	return "", errors.Wrapf(errors.ErrMalformedSource, "no google drive file id in %q", source)
}

// confirmToken digs the confirmation token out of the interstitial response,
// preferring the download_warning cookie over scraping the page.
func confirmToken(resp *http.Response) (string, error) {
	for _, cookie := range resp.Cookies() {
		if strings.HasPrefix(cookie.Name, "download_warning") {
			return cookie.Value, nil
		}
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Transient(errors.Wrap(err, "failed to read google drive interstitial"))
	}
	if m := gdriveConfirmRe.FindSubmatch(page); m != nil {
		return string(m[1]), nil
	}
	return "", fmt.Errorf("google drive interstitial carries no confirm token")
}

// isHTML reports whether the response carries the interstitial page rather
// than file content.
func isHTML(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html")
}
