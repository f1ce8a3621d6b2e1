package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
)

// Unit layout, all integers big endian:
//
//	magic   [4]byte  "ACE1"
//	version uint16
//	hdrLen  uint32
//	header  [hdrLen]byte  JSON unitHeader
//	payLen  uint64
//	payload [payLen]byte
const (
	unitMagic      = "ACE1"
	unitVersion    = uint16(1)
	unitPrefixLen  = 4 + 2 + 4
	maxHeaderBytes = 1 << 20
)

// unitHeader is the metadata block of a persisted unit
type unitHeader struct {
	Key               string            `json:"key"`
	CachedAt          time.Time         `json:"cached_at"`
	TTLMillis         int64             `json:"ttl_ms"`
	SizeBytes         int64             `json:"size_bytes"`
	ContentHash       string            `json:"content_hash"`
	Compressed        bool              `json:"compressed"`
	OriginalSizeBytes int64             `json:"original_size_bytes,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// EncodeUnit writes entry in unit format
func EncodeUnit(w io.Writer, entry *types.Entry) error {
	header, err := json.Marshal(unitHeader{
		Key:               entry.Key,
		CachedAt:          entry.Metadata.CachedAt.UTC(),
		TTLMillis:         entry.Metadata.TTL.Milliseconds(),
		SizeBytes:         entry.Metadata.SizeBytes,
		ContentHash:       entry.Metadata.ContentHash,
		Compressed:        entry.Metadata.Compressed,
		OriginalSizeBytes: entry.Metadata.OriginalSizeBytes,
		Labels:            entry.Metadata.Labels,
	})
	if err != nil {
		return cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageWrite, "failed to encode unit header")
	}

	prefix := make([]byte, unitPrefixLen)
	copy(prefix, unitMagic)
	binary.BigEndian.PutUint16(prefix[4:6], unitVersion)
	binary.BigEndian.PutUint32(prefix[6:10], uint32(len(header)))

	var payLen [8]byte
	binary.BigEndian.PutUint64(payLen[:], uint64(len(entry.Payload)))

	for _, chunk := range [][]byte{prefix, header, payLen[:], entry.Payload} {
		if _, err := w.Write(chunk); err != nil {
			return cacheerrors.Wrap(err, cacheerrors.ErrCodeStorageWrite, "failed to write unit")
		}
	}
	return nil
}

// DecodeUnit parses a complete unit. Truncated, oversized or trailing data
// is rejected with DECODE_FAILED.
func DecodeUnit(data []byte) (*types.Entry, error) {
	if len(data) < unitPrefixLen {
		return nil, decodeError("unit shorter than prefix")
	}
	if !bytes.Equal(data[:4], []byte(unitMagic)) {
		return nil, decodeError("bad magic")
	}
	if version := binary.BigEndian.Uint16(data[4:6]); version != unitVersion {
		return nil, decodeError("unsupported unit version").WithDetail("version", version)
	}

	hdrLen := binary.BigEndian.Uint32(data[6:10])
	if hdrLen > maxHeaderBytes {
		return nil, decodeError("header too large").WithDetail("header_bytes", hdrLen)
	}
	rest := data[unitPrefixLen:]
	if uint64(len(rest)) < uint64(hdrLen)+8 {
		return nil, decodeError("unit truncated in header")
	}

	var header unitHeader
	if err := json.Unmarshal(rest[:hdrLen], &header); err != nil {
		return nil, decodeError("invalid header").WithCause(err)
	}
	rest = rest[hdrLen:]

	payLen := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	if payLen != uint64(len(rest)) {
		return nil, decodeError("payload length mismatch").
			WithDetail("declared", payLen).
			WithDetail("actual", len(rest))
	}

	payload := make([]byte, len(rest))
	copy(payload, rest)

	return &types.Entry{
		Key:     header.Key,
		Payload: payload,
		Metadata: types.Metadata{
			CachedAt:          header.CachedAt,
			TTL:               time.Duration(header.TTLMillis) * time.Millisecond,
			SizeBytes:         header.SizeBytes,
			ContentHash:       header.ContentHash,
			Compressed:        header.Compressed,
			OriginalSizeBytes: header.OriginalSizeBytes,
			Source:            types.SourcePersistent,
			Labels:            header.Labels,
		},
	}, nil
}

func decodeError(msg string) *cacheerrors.CacheError {
	return cacheerrors.NewError(cacheerrors.ErrCodeDecodeFailed, msg).
		WithComponent("cache.persistent").
		WithOperation("decode")
}
