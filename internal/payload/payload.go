// Package payload models the record payload shared by both engine shapes:
// a JSON object plus a handful of well-known fields extracted when present,
// and (collection engine only) a typed scalar value routed to exactly one
// physical column by its runtime type.
package payload

import (
	"encoding/json"
	"time"

	"fastpersist/internal/cohort"
)

// ValueKind discriminates which typed column a Value occupies.
type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueInt
	ValueFloat
	ValueString
)

// Value is the collection engine's scalar sum type: {Int64, Float64,
// String, Null}. Runtime dispatch in NewValue routes it to exactly one of
// value_int/value_float/value_string.
type Value struct {
	Kind ValueKind
	I    int64
	F    float64
	S    string
}

// NewValue routes a raw Go value (as decoded from JSON, or passed directly
// by a caller) to the correct typed variant.
func NewValue(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Kind: ValueNone}
	case int:
		return Value{Kind: ValueInt, I: int64(v)}
	case int32:
		return Value{Kind: ValueInt, I: int64(v)}
	case int64:
		return Value{Kind: ValueInt, I: v}
	case float32:
		return Value{Kind: ValueFloat, F: float64(v)}
	case float64:
		// JSON numbers decode as float64; an integral value with no
		// fractional part is still routed to value_float here because the
		// caller lost the original type at the json.Unmarshal boundary.
		// Direct Go callers pass int/int64 explicitly to land in value_int.
		return Value{Kind: ValueFloat, F: v}
	case string:
		return Value{Kind: ValueString, S: v}
	default:
		return Value{Kind: ValueNone}
	}
}

// Interface returns the Go-native representation of the value, suitable
// for mirroring back into a JSON payload map.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case ValueInt:
		return v.I
	case ValueFloat:
		return v.F
	case ValueString:
		return v.S
	default:
		return nil
	}
}

// Record is the normalised, in-memory form of a stored payload: the
// well-known fields plus an opaque JSON blob for everything else.
type Record struct {
	Data       map[string]interface{} `json:"data"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
	Status     *string                `json:"status,omitempty"`
	StatusInt  *int64                 `json:"status_int,omitempty"`
	Username   *string                `json:"username,omitempty"`
	Value      Value                  `json:"-"`
	HasValue   bool                   `json:"-"`
	Version    int64                  `json:"version"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ExtractWellKnown pulls timestamp/status/status_int/username (and, when
// forCollection is true, value) out of a raw JSON payload map into a fresh
// Record whose Data is the map itself.
func ExtractWellKnown(raw map[string]interface{}, forCollection bool) Record {
	rec := Record{Data: raw}

	if raw == nil {
		rec.Data = map[string]interface{}{}
		return rec
	}

	if ts, ok := raw["timestamp"]; ok {
		if t, ok := cohort.ParseTimestamp(ts); ok {
			rec.Timestamp = &t
		}
	}
	if s, ok := raw["status"].(string); ok {
		rec.Status = &s
	}
	if si, ok := raw["status_int"]; ok {
		switch v := si.(type) {
		case int64:
			rec.StatusInt = &v
		case int:
			i64 := int64(v)
			rec.StatusInt = &i64
		case float64:
			i64 := int64(v)
			rec.StatusInt = &i64
		}
	}
	if u, ok := raw["username"].(string); ok {
		rec.Username = &u
	}

	if forCollection {
		if raw, hasValue := raw["value"]; hasValue {
			rec.Value = NewValue(raw)
			rec.HasValue = true
		}
	}

	return rec
}

// StripValue returns a shallow copy of data with the "value" key removed,
// matching the flusher contract: the JSON payload never contains "value"
// once it has been routed to a typed column.
func StripValue(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if k == "value" {
			continue
		}
		out[k] = v
	}
	return out
}

// MirrorValue returns a copy of data with "value" set to v's native Go
// representation, used when handing a cached record back to a caller so
// "value" is always present and correctly typed, even though it is stored
// out-of-band in a typed column.
func MirrorValue(data map[string]interface{}, v Value) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+1)
	for k, val := range data {
		out[k] = val
	}
	out["value"] = v.Interface()
	return out
}

// MirrorMetadata returns a copy of data with the well-known fields set on
// rec written back into the map, so a cache read returns a payload that
// round-trips the same fields a caller stored, even though they are also
// held out-of-band as typed struct fields for column-store projection.
func MirrorMetadata(data map[string]interface{}, rec *Record) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+4)
	for k, v := range data {
		out[k] = v
	}
	if rec.Timestamp != nil {
		out["timestamp"] = cohort.SerializeTimestamp(*rec.Timestamp)
	}
	if rec.Status != nil {
		out["status"] = *rec.Status
	}
	if rec.StatusInt != nil {
		out["status_int"] = *rec.StatusInt
	}
	if rec.Username != nil {
		out["username"] = *rec.Username
	}
	return out
}

// MarshalJSON renders a payload map to JSON, converting time.Time and
// *time.Time values to ISO-8601 strings the way the rest of this codebase's
// wire format expects.
func MarshalJSON(data map[string]interface{}) ([]byte, error) {
	normalized := normalizeForJSON(data)
	return json.Marshal(normalized)
}

func normalizeForJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return cohort.SerializeTimestamp(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return cohort.SerializeTimestamp(*t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeForJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeForJSON(val)
		}
		return out
	default:
		return v
	}
}
