package source

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/httpclient"
	"github.com/glorpus-work/dataget/pkg/model"
)

const osfAPIBase = "https://api.osf.io/v2"

// osfProjectRe captures the five-character node id from an osf.io URL.
var osfProjectRe = regexp.MustCompile(`osf\.io/(\w{5})`)

// OSFProvider downloads OSF projects through the v2 API. Project storage is
// a tree of folders; the provider walks it, preserves the materialized
// layout and honors RemoteFilepath selections.
type OSFProvider struct {
	client  *httpclient.Client
	apiBase string
}

// NewOSF creates the OSF provider on the shared client.
func NewOSF(client *httpclient.Client) *OSFProvider {
	return &OSFProvider{client: client, apiBase: osfAPIBase}
}

// Name identifies the provider in logs and run reports.
func (p *OSFProvider) Name() string { return "osf" }

// Supports accepts osf.io project URLs.
func (p *OSFProvider) Supports(source string) bool {
	return strings.Contains(source, "osf.io")
}

type osfListing struct {
	Data  []osfEntity `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type osfEntity struct {
	Attributes struct {
		Kind             string `json:"kind"`
		Name             string `json:"name"`
		Size             int64  `json:"size"`
		MaterializedPath string `json:"materialized_path"`
	} `json:"attributes"`
	Links struct {
		Download string `json:"download"`
	} `json:"links"`
	Relationships struct {
		Files struct {
			Links struct {
				Related struct {
					Href string `json:"href"`
				} `json:"related"`
			} `json:"links"`
		} `json:"files"`
	} `json:"relationships"`
}

// Fetch downloads the selected project files into the staging directory,
// recreating the project's folder layout.
func (p *OSFProvider) Fetch(ctx context.Context, ds model.Dataset, stagingDir string) error {
	files, err := p.selectFiles(ctx, ds)
	if err != nil {
		return err
	}
	for _, file := range files {
		rel, err := relSafe(file.Attributes.MaterializedPath)
		if err != nil {
			return err
		}
		if _, err := p.client.DownloadFile(ctx, file.Links.Download, filepath.Join(stagingDir, rel)); err != nil {
			return err
		}
	}
	return nil
}

// EstimateSize sums the advertised sizes of the files the fetch would
// download.
func (p *OSFProvider) EstimateSize(ctx context.Context, ds model.Dataset) (int64, error) {
	files, err := p.selectFiles(ctx, ds)
	if err != nil {
		return -1, err
	}
	var total int64
	for _, file := range files {
		total += file.Attributes.Size
	}
	return total, nil
}

// selectFiles lists the project's storage and applies the dataset's
// RemoteFilepath selection. Every requested path must exist.
func (p *OSFProvider) selectFiles(ctx context.Context, ds model.Dataset) ([]osfEntity, error) {
	projectID, err := osfProjectID(ds.Source)
	if err != nil {
		return nil, err
	}
	files, err := p.listFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("osf project %s lists no files", projectID)
	}
	if len(ds.RemoteFilepath) == 0 {
		return files, nil
	}

	matched := make(map[string]bool, len(ds.RemoteFilepath))
	var selected []osfEntity
	for _, file := range files {
		rel := strings.TrimPrefix(file.Attributes.MaterializedPath, "/")
		for _, want := range ds.RemoteFilepath {
			want = strings.TrimPrefix(want, "/")
			if rel == want || (ds.Recursive && strings.HasPrefix(rel, strings.TrimSuffix(want, "/")+"/")) {
				selected = append(selected, file)
				matched[want] = true
				break
			}
		}
	}
	for _, want := range ds.RemoteFilepath {
		if !matched[strings.TrimPrefix(want, "/")] {
			return nil, fmt.Errorf("osf project %s has no file at %q", projectID, want)
		}
	}
	return selected, nil
}

// listFiles walks the project's osfstorage tree and returns every file
// entity. Folders queue their listings; pagination links are followed
// within each listing.
func (p *OSFProvider) listFiles(ctx context.Context, projectID string) ([]osfEntity, error) {
	var files []osfEntity
	queue := []string{fmt.Sprintf("%s/nodes/%s/files/osfstorage/", p.apiBase, projectID)}
	for len(queue) > 0 {
		pageURL := queue[0]
		queue = queue[1:]
		for pageURL != "" {
			var listing osfListing
			if err := p.client.GetJSON(ctx, pageURL, &listing); err != nil {
				return nil, err
			}
			for _, entity := range listing.Data {
				switch entity.Attributes.Kind {
				case "file":
					files = append(files, entity)
				case "folder":
					if href := entity.Relationships.Files.Links.Related.Href; href != "" {
						queue = append(queue, href)
					}
				}
			}
			pageURL = listing.Links.Next
		}
	}
	return files, nil
}

// osfProjectID extracts the five-character node id from the source.
func osfProjectID(source string) (string, error) {
	if m := osfProjectRe.FindStringSubmatch(source); m != nil {
		return m[1], nil
	}
	return "", errors.Wrapf(errors.ErrMalformedSource, "no osf project id in %q", source)
}
