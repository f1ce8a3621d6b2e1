package cache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
)

// ContentHash returns the 16 hex character xxhash64 of the stored payload
func ContentHash(data []byte) string {
	s := strconv.FormatUint(xxhash.Sum64(data), 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}

// VerifyContentHash returns an INTEGRITY_MISMATCH error when data does not
// hash to want
func VerifyContentHash(data []byte, want string) error {
	got := ContentHash(data)
	if got != want {
		return cacheerrors.Newf(cacheerrors.ErrCodeIntegrityMismatch,
			"content hash %s does not match recorded %s", got, want).
			WithComponent("integrity").
			WithDetail("size", len(data))
	}
	return nil
}
