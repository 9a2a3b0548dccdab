package fetch

import (
	"crypto/md5"  //nolint:gosec // legacy checksum option, not used for security
	"crypto/sha1" //nolint:gosec // legacy checksum option, not used for security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/glorpus-work/dataget/pkg/errors"
	"github.com/glorpus-work/dataget/pkg/model"
)

// ComputeDigest hashes the file at path with the named algorithm and returns
// the lowercase hex digest.
func ComputeDigest(path, algorithm string) (string, error) {
	var hasher hash.Hash
	switch strings.ToLower(algorithm) {
	case model.AlgorithmSHA256:
		hasher = sha256.New()
	case model.AlgorithmMD5:
		hasher = md5.New() //nolint:gosec // legacy checksum option
	case model.AlgorithmSHA1:
		hasher = sha1.New() //nolint:gosec // legacy checksum option
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s for checksum", path)
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(hasher, file); err != nil {
		return "", errors.Wrapf(err, "failed to hash %s", path)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum compares the file's digest against the expected value.
// Returns a ChecksumMismatchError when they differ.
func VerifyChecksum(path, algorithm, expected string) error {
	actual, err := ComputeDigest(path, algorithm)
	if err != nil {
		return err
	}
	if actual != normalizeHex(expected) {
		return &errors.ChecksumMismatchError{
			Algorithm: strings.ToLower(algorithm),
			Expected:  normalizeHex(expected),
			Actual:    actual,
		}
	}
	return nil
}

func normalizeHex(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
