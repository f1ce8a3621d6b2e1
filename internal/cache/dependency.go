package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// UntrackedFingerprint is the fingerprint used when dependency tracking is off
const UntrackedFingerprint = "untracked"

// DependencyTracker fingerprints the files an artifact was rendered from.
//
// The fingerprint is built from each file's modification time and size, not
// its content. Rewriting a file with identical size inside the filesystem's
// mtime resolution, or touching a file without changing it, is therefore
// not detected (or detected spuriously). Callers that need content
// addressing should fold a content digest into the key options instead.
type DependencyTracker struct {
	fs      afero.Fs
	enabled bool
}

// NewDependencyTracker returns a tracker reading file metadata through fsys
func NewDependencyTracker(fsys afero.Fs, enabled bool) *DependencyTracker {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &DependencyTracker{fs: fsys, enabled: enabled}
}

// Enabled reports whether fingerprints reflect file state
func (d *DependencyTracker) Enabled() bool {
	return d.enabled
}

// Fingerprint returns the xxhash64 of the ordered dependency tokens, one per
// line, as 16 hex characters. It never fails: a missing file contributes
// "path|missing" and a stat error contributes "path|error|message".
func (d *DependencyTracker) Fingerprint(paths []string) string {
	if !d.enabled {
		return UntrackedFingerprint
	}

	h := xxhash.New()
	for _, path := range paths {
		_, _ = h.WriteString(d.token(path))
		_, _ = h.WriteString("\n")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// token returns the fingerprint contribution of a single path
func (d *DependencyTracker) token(path string) string {
	info, err := d.fs.Stat(path)
	switch {
	case err == nil:
		var sb strings.Builder
		sb.WriteString(path)
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatInt(info.ModTime().UnixNano(), 10))
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatInt(info.Size(), 10))
		return sb.String()
	case errors.Is(err, fs.ErrNotExist):
		return path + "|missing"
	default:
		return path + "|error|" + err.Error()
	}
}
