package common

import (
	"fmt"
	"time"
)

// Timestamp represents a point in time, kept distinct from time.Time so
// JSON (de)serialisation can normalise to ISO-8601 in one place.
type Timestamp time.Time

// Now returns the current timestamp.
func Now() Timestamp {
	return Timestamp(time.Now())
}

// Unix returns the Unix timestamp.
func (t Timestamp) Unix() int64 {
	return time.Time(t).Unix()
}

// String returns a string representation of the timestamp.
func (t Timestamp) String() string {
	return time.Time(t).Format(time.RFC3339)
}

// Time unwraps to the standard library type.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// SegmentID identifies a WAL segment by its sequence number.
type SegmentID uint64

// Constants for system limits.
const (
	MaxBatchSize   = 10000
	DefaultTimeout = 30 * time.Second
)

// DatedIdentity names a row in the dated engine: (key, process_name).
// process_name is nullable; nil and "" are distinct identities.
type DatedIdentity struct {
	Key         string
	ProcessName *string
}

// String renders a DatedIdentity for logging; nil process_name prints
// distinctly from the empty string.
func (d DatedIdentity) String() string {
	if d.ProcessName == nil {
		return fmt.Sprintf("%s/<nil>", d.Key)
	}
	return fmt.Sprintf("%s/%q", d.Key, *d.ProcessName)
}

// MapKey is the composite map key used by the cache/pending ledgers: a
// sentinel byte prefix keeps nil and "" from colliding.
func (d DatedIdentity) MapKey() string {
	if d.ProcessName == nil {
		return "\x00" + d.Key
	}
	return "\x01" + d.Key + "\x1f" + *d.ProcessName
}

// CollectionIdentity names a row in the collection engine:
// (key, collection_name, item_name), all three non-null, default "".
type CollectionIdentity struct {
	Key            string
	CollectionName string
	ItemName       string
}

// String renders a CollectionIdentity for logging.
func (c CollectionIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Key, c.CollectionName, c.ItemName)
}

// MapKey is the composite map key for cache/pending ledgers.
func (c CollectionIdentity) MapKey() string {
	return c.Key + "\x1f" + c.CollectionName + "\x1f" + c.ItemName
}

// KeyCollectionKey scopes the (key, collection) hydration unit: the whole
// collection is hydrated from storage_latest in one point query the first
// time any item in it is touched.
type KeyCollectionKey struct {
	Key            string
	CollectionName string
}

// MapKey is the composite map key for the hydration-tracking set.
func (kc KeyCollectionKey) MapKey() string {
	return kc.Key + "\x1f" + kc.CollectionName
}
