package types

import (
	"fmt"
	"time"
)

// Source identifies which tier resolved a lookup
type Source string

const (
	SourceMemory     Source = "memory"
	SourcePersistent Source = "persistent"
)

// Viewport represents the rendered viewport dimensions of an artifact
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// String returns the viewport in WxH form
func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Metadata describes a stored artifact
type Metadata struct {
	CachedAt          time.Time         `json:"cached_at"`
	TTL               time.Duration     `json:"ttl"`
	SizeBytes         int64             `json:"size_bytes"`
	ContentHash       string            `json:"content_hash"`
	Compressed        bool              `json:"compressed"`
	OriginalSizeBytes int64             `json:"original_size_bytes,omitempty"`
	Source            Source            `json:"source"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// TTLSeconds returns the TTL in whole seconds
func (m Metadata) TTLSeconds() int64 {
	return int64(m.TTL / time.Second)
}

// ExpiresAt returns the instant after which the entry is stale.
// A zero TTL never expires.
func (m Metadata) ExpiresAt() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	return m.CachedAt.Add(m.TTL)
}

// Expired reports whether the entry is stale at now
func (m Metadata) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.Sub(m.CachedAt) > m.TTL
}

// Entry is a cached artifact: the stored (possibly compressed) payload plus
// its metadata. Entries are immutable once handed to a tier.
type Entry struct {
	Key      string   `json:"key"`
	Payload  []byte   `json:"-"`
	Metadata Metadata `json:"metadata"`
}

// Clone returns a copy of the entry with its own payload and label map
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := &Entry{
		Key:      e.Key,
		Payload:  make([]byte, len(e.Payload)),
		Metadata: e.Metadata,
	}
	copy(clone.Payload, e.Payload)
	if e.Metadata.Labels != nil {
		clone.Metadata.Labels = make(map[string]string, len(e.Metadata.Labels))
		for k, v := range e.Metadata.Labels {
			clone.Metadata.Labels[k] = v
		}
	}
	return clone
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// LookupDescriptor describes an artifact a test expects to need. Either Key
// is set directly or it is derived from the remaining fields.
type LookupDescriptor struct {
	Key          string         `json:"key,omitempty" yaml:"key"`
	Component    string         `json:"component" yaml:"component"`
	Viewport     Viewport       `json:"viewport" yaml:"viewport"`
	Theme        string         `json:"theme" yaml:"theme"`
	Options      map[string]any `json:"options,omitempty" yaml:"options"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies"`
}
