// Package source implements the providers that retrieve datasets and the
// registry that picks one for a given source identifier. Each provider
// recognizes one family of identifiers (git URLs, DOIs, object-storage URIs,
// share links) and knows how to land the payload in a staging directory; the
// registry only classifies, it never fetches.
package source

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/fetch"
	"github.com/glorpus-work/dataget/pkg/httpclient"
)

// Provider recognizes a class of source identifiers and retrieves datasets
// from them. The fetch executor supplies the staging directory and drives
// retries; providers only move bytes.
type Provider interface {
	fetch.Fetcher

	// Supports reports whether the provider recognizes the identifier.
	Supports(source string) bool

	// Name identifies the provider in logs and run reports.
	Name() string
}

// Registry resolves source identifiers to providers. Providers are consulted
// in order, most specific first, so the generic HTTP fallback sits last.
type Registry struct {
	providers []Provider
}

// NewRegistry assembles the default provider chain around the shared HTTP
// client.
func NewRegistry(client *httpclient.Client) *Registry {
	return &Registry{providers: []Provider{
		NewGit(),
		NewGDrive(client),
		NewZenodo(client),
		NewFigshare(client),
		NewDataverse(client),
		NewOSF(client),
		NewS3(),
		NewHTTP(client),
	}}
}

// Resolve returns the first provider that recognizes the source identifier.
func (r *Registry) Resolve(source string) (Provider, error) {
	for _, provider := range r.providers {
		if provider.Supports(source) {
			logger.Debugf("source %s resolved to the %s provider", source, provider.Name())
			return provider, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrUnresolvedSource, "cannot resolve %q", source)
}

// filterSet turns a remote file selection into a lookup set. Nil means no
// selection, which providers read as "everything".
func filterSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[strings.TrimPrefix(name, "/")] = true
	}
	return set
}

// relSafe converts a remote file name into a path relative to the staging
// directory, rejecting names that would escape it. Remote names are always
// slash-separated.
func relSafe(name string) (string, error) {
	trimmed := strings.TrimPrefix(name, "/")
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || path.IsAbs(cleaned) || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("unsafe remote file name %q", name)
	}
	return filepath.FromSlash(cleaned), nil
}
