// Package engine implements spec component G (the engine façade) and
// component H (recovery + reconstruction), wiring the cohort lock, WAL
// manager, cache, column store, and flusher built by the sibling packages
// into the two engine shapes a caller actually opens: DatedEngine and
// CollectionEngine.
package engine

import (
	"time"

	"fastpersist/internal/payload"
)

// storeParams collects the optional per-call overrides a StoreOption may
// set, resolved over whatever the payload itself already carries.
type storeParams struct {
	timestamp *time.Time
	username  *string
	status    *string
	statusInt *int64
	value     *payload.Value
}

// StoreOption overrides one resolved field of a Store call. Resolution
// order is option > payload key > default, matching the façade's
// parameter-resolution step.
type StoreOption func(*storeParams)

// WithTimestamp pins the record's timestamp instead of defaulting to now
// or whatever "timestamp" the payload carries.
func WithTimestamp(t time.Time) StoreOption {
	return func(p *storeParams) { p.timestamp = &t }
}

// WithUsername sets the well-known username field.
func WithUsername(u string) StoreOption {
	return func(p *storeParams) { p.username = &u }
}

// WithStatus sets the well-known status field.
func WithStatus(s string) StoreOption {
	return func(p *storeParams) { p.status = &s }
}

// WithStatusInt sets the well-known status_int field.
func WithStatusInt(i int64) StoreOption {
	return func(p *storeParams) { p.statusInt = &i }
}

// WithValue sets the collection engine's typed scalar value, routed to
// value_int/value_float/value_string by v's runtime type. Ignored by the
// dated engine.
func WithValue(v interface{}) StoreOption {
	return func(p *storeParams) {
		val := payload.NewValue(v)
		p.value = &val
	}
}

// ItemPayload is one collection item's resolved payload, as returned by
// CollectionEngine.GetKey.
type ItemPayload = map[string]interface{}

// EngineStats is the point-in-time diagnostics snapshot returned by
// Stats(), grounded on the teacher's plain-struct wal.Manager.Stats() /
// mvcc resolver stats shape rather than a metrics-server push model.
type EngineStats struct {
	CacheSize      int
	PendingCount   int
	WALSegments    int
	WALBytes       int64
	WALRecords     int64
	LastFlushAt    *time.Time
	LastFlushError string
}

// resolveRecord applies the façade's parameter-resolution order (option >
// payload key > default) and returns the normalised record. now is
// injected by the caller so tests can pin it.
func resolveRecord(data map[string]interface{}, opts []StoreOption, forCollection bool, now time.Time) *payload.Record {
	if data == nil {
		data = map[string]interface{}{}
	}
	rec := payload.ExtractWellKnown(data, forCollection)

	p := storeParams{timestamp: rec.Timestamp, username: rec.Username, status: rec.Status, statusInt: rec.StatusInt}
	if forCollection && rec.HasValue {
		v := rec.Value
		p.value = &v
	}
	for _, opt := range opts {
		opt(&p)
	}

	rec.Timestamp = p.timestamp
	if rec.Timestamp == nil {
		t := now
		rec.Timestamp = &t
	}
	rec.Username = p.username
	rec.Status = p.status
	rec.StatusInt = p.statusInt
	if forCollection && p.value != nil {
		rec.Value = *p.value
		rec.HasValue = true
	}
	rec.UpdatedAt = now
	rec.Version = 1
	return &rec
}
