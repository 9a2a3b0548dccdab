package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/model"
	"gopkg.in/yaml.v3"
)

// DefaultRequirementNames are the file names probed when no requirement file
// is named explicitly.
var DefaultRequirementNames = []string{
	"data_requirement.json",
	"data_requirement.yaml",
	"data_requirement.yml",
}

// Requirement is a parsed requirement file: one or more dataset records.
type Requirement struct {
	// Path records where the requirement was loaded from.
	Path string
	// Datasets holds the records in deterministic (name-sorted) order.
	Datasets []model.Dataset
}

// LoadRequirement reads a requirement file from disk. Both JSON and YAML are
// accepted; YAML is a superset of JSON so one decoder covers both.
func LoadRequirement(path string) (*Requirement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read requirement file %s", path)
	}
	req, err := ParseRequirement(data)
	if err != nil {
		return nil, errors.Wrapf(err, "requirement file %s", path)
	}
	req.Path = path
	return req, nil
}

// FindRequirement locates a requirement file in dir by probing the default
// names in order.
func FindRequirement(dir string) (string, error) {
	for _, name := range DefaultRequirementNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no requirement file found in %s (looked for %s)", dir, strings.Join(DefaultRequirementNames, ", "))
}

// FetchRequirement loads a requirement file from a URL. For repository URLs
// (github.com) the conventional locations are probed: the repository root,
// then binder/.
func FetchRequirement(ctx context.Context, client *http.Client, rawURL string) (*Requirement, error) {
	if client == nil {
		client = http.DefaultClient
	}

	candidates := requirementURLCandidates(rawURL)
	var lastErr error
	for _, candidate := range candidates {
		data, err := fetchBytes(ctx, client, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		req, err := ParseRequirement(data)
		if err != nil {
			lastErr = errors.Wrapf(err, "requirement at %s", candidate)
			continue
		}
		req.Path = candidate
		return req, nil
	}
	return nil, errors.Wrapf(lastErr, "no requirement file found at %s", rawURL)
}

// requirementURLCandidates expands a repository URL into the conventional
// requirement locations. Non-repository URLs are returned as-is.
func requirementURLCandidates(rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host != "github.com" {
		return []string{rawURL}
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 2 {
		return []string{rawURL}
	}
	owner := parts[0]
	repo := strings.TrimSuffix(parts[1], ".git")

	base := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/HEAD", owner, repo)
	var candidates []string
	for _, name := range DefaultRequirementNames {
		candidates = append(candidates, base+"/"+name)
	}
	for _, name := range DefaultRequirementNames {
		candidates = append(candidates, base+"/binder/"+name)
	}
	return candidates
}

func fetchBytes(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", rawURL)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", rawURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ParseRequirement parses requirement bytes. Accepted shapes: a single
// dataset record, a map of name to record (the name fills projectName when
// the record has none), and either of those under a top-level "data" key.
func ParseRequirement(data []byte) (*Requirement, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrRequirementParse, err.Error())
	}
	if len(doc) == 0 {
		return nil, errors.Wrap(errors.ErrRequirementParse, "requirement is empty")
	}

	// Unwrap a lone "data" envelope.
	if inner, ok := doc["data"].(map[string]any); ok && len(doc) == 1 {
		doc = inner
	}

	req := &Requirement{}
	if _, isSingle := doc["src"]; isSingle {
		ds, err := datasetFromMap(doc, "")
		if err != nil {
			return nil, err
		}
		req.Datasets = append(req.Datasets, *ds)
		return req, nil
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry, ok := doc[name].(map[string]any)
		if !ok {
			return nil, errors.Wrapf(errors.ErrRequirementParse, "entry %q is not a dataset record", name)
		}
		ds, err := datasetFromMap(entry, name)
		if err != nil {
			return nil, err
		}
		req.Datasets = append(req.Datasets, *ds)
	}
	return req, nil
}

// datasetFromMap builds a dataset record from decoded keys. Unknown keys are
// preserved in Extra so providers can read source-specific settings.
func datasetFromMap(entry map[string]any, fallbackName string) (*model.Dataset, error) {
	ds := &model.Dataset{ProjectName: fallbackName}

	extra := map[string]any{}
	for key, value := range entry {
		switch key {
		case "src":
			ds.Source = stringValue(value)
		case "dst":
			ds.Destination = stringValue(value)
		case "projectName":
			ds.ProjectName = stringValue(value)
		case "version":
			ds.Version = stringValue(value)
		case "checksum":
			ds.Checksum = stringValue(value)
		case "checksumAlgorithm":
			ds.ChecksumAlgorithm = stringValue(value)
		case "recursive":
			b, _ := value.(bool)
			ds.Recursive = b
		case "remote_filepath":
			paths, err := stringList(value)
			if err != nil {
				return nil, errors.Wrapf(errors.ErrRequirementParse, "remote_filepath of %q: %v", ds.ProjectName, err)
			}
			ds.RemoteFilepath = paths
		default:
			extra[key] = value
		}
	}
	if len(extra) > 0 {
		ds.Extra = extra
	}

	if err := ds.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrRequirementParse, err.Error())
	}
	return ds, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// stringList accepts both a single path and a list of paths.
func stringList(v any) ([]string, error) {
	switch typed := v.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", v)
	}
}
