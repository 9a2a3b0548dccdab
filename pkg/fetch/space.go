package fetch

import (
	"github.com/glorpus-work/dataget/pkg/errors"
)

// DiskSpaceMargin is the safety headroom required on top of the expected
// payload size before a transfer starts.
const DiskSpaceMargin = 100 * 1024 * 1024

// EnsureFreeSpace fails with an InsufficientSpaceError when the volume
// holding path cannot fit payloadBytes plus the safety margin. A negative
// payload size means the source could not tell, which disables the gate.
func EnsureFreeSpace(path string, payloadBytes int64) error {
	if payloadBytes < 0 {
		return nil
	}
	available, err := freeBytes(path)
	if err != nil {
		return errors.Wrapf(err, "failed to probe free space on %s", path)
	}
	required := payloadBytes + DiskSpaceMargin
	if available < uint64(required) {
		return &errors.InsufficientSpaceError{
			Path:           path,
			RequiredBytes:  required,
			AvailableBytes: int64(available),
		}
	}
	return nil
}
