package types

import (
	"context"
	"time"
)

// Tier defines a single storage level of the artifact cache
type Tier interface {
	Get(key string) (*Entry, bool)
	Put(entry *Entry) error
	Delete(key string)
	Clear()
	Len() int
}

// Loader produces the payload for an artifact that was not cached
type Loader func(ctx context.Context, desc LookupDescriptor) ([]byte, error)

// MetricsRecorder receives cache events for external observability
type MetricsRecorder interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordLookup(source Source, hit bool)
	RecordEviction(tier string, count int)
	RecordDegraded(component string, err error)
}
