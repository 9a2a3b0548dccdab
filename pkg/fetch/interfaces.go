//go:generate mockgen -destination=mocks/fetcher.go -package=mocks . Fetcher
package fetch

import (
	"context"

	"github.com/glorpus-work/dataget/pkg/model"
)

// Fetcher retrieves one dataset into a staging directory. Providers implement
// it; the executor drives it through the retry protocol.
type Fetcher interface {
	// Fetch writes the dataset's payload into stagingDir. The directory
	// exists and is empty when called. Transient failures must be marked
	// via the error taxonomy so the executor can retry them.
	Fetch(ctx context.Context, ds model.Dataset, stagingDir string) error

	// EstimateSize reports the expected payload size in bytes, or -1 when
	// the source cannot tell ahead of the transfer.
	EstimateSize(ctx context.Context, ds model.Dataset) (int64, error)
}
