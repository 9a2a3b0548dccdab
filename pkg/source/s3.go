package source

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/model"
)

// defaultS3Endpoint serves s3:// sources that name no custom endpoint.
const defaultS3Endpoint = "s3.amazonaws.com"

// Extra keys consulted by the S3 provider.
const (
	extraEndpoint = "endpoint"
	extraRegion   = "region"
	extraInsecure = "insecure"
)

// S3Provider downloads s3://bucket/prefix sources. Public buckets are read
// anonymously; AWS credentials from the environment switch the client to
// signed requests. A custom endpoint in the dataset's extras reaches any
// S3-compatible store.
type S3Provider struct{}

// NewS3 creates the S3 provider.
func NewS3() *S3Provider {
	return &S3Provider{}
}

// Name identifies the provider in logs and run reports.
func (p *S3Provider) Name() string { return "s3" }

// Supports accepts s3:// URIs.
func (p *S3Provider) Supports(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

// Fetch downloads every object under the source prefix into the staging
// directory, preserving the key layout relative to the prefix.
func (p *S3Provider) Fetch(ctx context.Context, ds model.Dataset, stagingDir string) error {
	bucket, prefix, err := parseS3Source(ds.Source)
	if err != nil {
		return err
	}
	client, err := p.newClient(ds)
	if err != nil {
		return err
	}

	// Canceling the listing on early return releases its goroutine.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	downloaded := 0
	for object := range client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return classifyS3(object.Err, fmt.Sprintf("failed to list %s", ds.Source))
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		rel, err := relSafe(objectRelPath(object.Key, prefix))
		if err != nil {
			return err
		}
		if err := downloadS3Object(ctx, client, bucket, object.Key, filepath.Join(stagingDir, rel)); err != nil {
			return err
		}
		downloaded++
	}
	if downloaded == 0 {
		return fmt.Errorf("no objects under %s", ds.Source)
	}
	logger.Debugf("downloaded %d objects from %s", downloaded, ds.Source)
	return nil
}

// EstimateSize sums the sizes of the objects under the source prefix.
func (p *S3Provider) EstimateSize(ctx context.Context, ds model.Dataset) (int64, error) {
	bucket, prefix, err := parseS3Source(ds.Source)
	if err != nil {
		return -1, err
	}
	client, err := p.newClient(ds)
	if err != nil {
		return -1, err
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var total int64
	for object := range client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return -1, classifyS3(object.Err, fmt.Sprintf("failed to list %s", ds.Source))
		}
		total += object.Size
	}
	return total, nil
}

// newClient builds a minio client for the dataset. Requests are anonymous
// unless AWS credentials are present in the environment.
func (p *S3Provider) newClient(ds model.Dataset) (*minio.Client, error) {
	endpoint := extraString(ds, extraEndpoint)
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}

	creds := credentials.NewStatic("", "", "", credentials.SignatureAnonymous)
	if access, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); access != "" && secret != "" {
		creds = credentials.NewStaticV4(access, secret, os.Getenv("AWS_SESSION_TOKEN"))
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !extraBool(ds, extraInsecure),
		Region: extraString(ds, extraRegion),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create s3 client for %s", endpoint)
	}
	return client, nil
}

// downloadS3Object streams one object to destPath.
func downloadS3Object(ctx context.Context, client *minio.Client, bucket, key, destPath string) error {
	object, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return classifyS3(err, fmt.Sprintf("failed to get s3://%s/%s", bucket, key))
	}
	defer func() { _ = object.Close() }()

	if _, err := saveBody(object, destPath); err != nil {
		return err
	}
	return nil
}

// parseS3Source splits s3://bucket/prefix into its parts.
func parseS3Source(source string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(source, "s3://")
	if !ok || rest == "" {
		return "", "", errors.Wrapf(errors.ErrMalformedSource, "%q is not an s3 uri", source)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.Wrapf(errors.ErrMalformedSource, "%q names no bucket", source)
	}
	return bucket, strings.TrimSuffix(prefix, "/"), nil
}

// objectRelPath maps an object key to its path under the staging directory.
// A key equal to the prefix is a single-object fetch and keeps its base
// name.
func objectRelPath(key, prefix string) string {
	rel := strings.TrimPrefix(key, prefix)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = path.Base(key)
	}
	return rel
}

// classifyS3 maps minio errors onto the error taxonomy. Server-side and
// throttling responses are transient, as are failures with no HTTP response
// at all; credential rejections abort.
func classifyS3(err error, msg string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(errors.ErrAuthorization, "%s: %v", msg, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Transient(errors.Wrap(err, msg))
	case resp.StatusCode == 0:
		return errors.Transient(errors.Wrap(err, msg))
	default:
		return errors.Wrap(err, msg)
	}
}

// extraString reads a string setting from the dataset's extras.
func extraString(ds model.Dataset, key string) string {
	if value, ok := ds.Extra[key].(string); ok {
		return value
	}
	return ""
}

// extraBool reads a boolean setting from the dataset's extras.
func extraBool(ds model.Dataset, key string) bool {
	if value, ok := ds.Extra[key].(bool); ok {
		return value
	}
	return false
}
