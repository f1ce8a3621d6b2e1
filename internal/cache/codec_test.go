package cache

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
	"github.com/objectfs/artifactcache/pkg/types"
)

func encodeTestUnit(t *testing.T, entry *types.Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := EncodeUnit(&buf, entry); err != nil {
		t.Fatalf("EncodeUnit() error = %v", err)
	}
	return buf.Bytes()
}

func TestUnitRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0xff, 0x10, 'A', 0x00}
	entry := makeEntry("unit-key", payload, time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC), 90*time.Second)
	entry.Metadata.Compressed = true
	entry.Metadata.OriginalSizeBytes = 77
	entry.Metadata.Labels = map[string]string{"suite": "popup"}

	data := encodeTestUnit(t, entry)
	if string(data[:4]) != unitMagic {
		t.Errorf("magic = %q", data[:4])
	}

	decoded, err := DecodeUnit(data)
	if err != nil {
		t.Fatalf("DecodeUnit() error = %v", err)
	}
	if decoded.Key != entry.Key || !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("decoded %+v", decoded)
	}
	m := decoded.Metadata
	if !m.CachedAt.Equal(entry.Metadata.CachedAt) || m.TTL != 90*time.Second {
		t.Errorf("timestamps not preserved: %+v", m)
	}
	if m.ContentHash != entry.Metadata.ContentHash || !m.Compressed || m.OriginalSizeBytes != 77 {
		t.Errorf("metadata not preserved: %+v", m)
	}
	if m.Source != types.SourcePersistent {
		t.Errorf("Source = %s, want persistent", m.Source)
	}
	if m.Labels["suite"] != "popup" {
		t.Errorf("labels not preserved: %v", m.Labels)
	}
}

func TestDecodeUnitRejectsDamage(t *testing.T) {
	valid := encodeTestUnit(t, makeEntry("k", []byte("payload"), time.Now(), 0))

	badMagic := append([]byte(nil), valid...)
	copy(badMagic, "XXXX")

	badVersion := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(badVersion[4:6], 99)

	hugeHeader := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(hugeHeader[6:10], maxHeaderBytes+1)

	badJSON := append([]byte(nil), valid...)
	badJSON[unitPrefixLen] = '!'

	tests := map[string][]byte{
		"empty":       nil,
		"short":       valid[:5],
		"bad magic":   badMagic,
		"bad version": badVersion,
		"huge header": hugeHeader,
		"bad header":  badJSON,
		"truncated":   valid[:len(valid)-1],
		"trailing":    append(append([]byte(nil), valid...), 0x00),
		"no payload":  valid[:unitPrefixLen+3],
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeUnit(data)
			if !cacheerrors.IsCode(err, cacheerrors.ErrCodeDecodeFailed) {
				t.Errorf("expected DECODE_FAILED, got %v", err)
			}
		})
	}
}
