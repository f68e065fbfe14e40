// Package parquetexport writes the dated engine's column store out as
// Hive-partitioned parquet files (partitioned by process_name and cohort
// date) on clean close, adapted from the teacher's storage/parquet writer
// onto apache/arrow/go/v14 + pqarrow.
package parquetexport

import (
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"

	"fastpersist/internal/config"
)

// BuildSchema renders the fixed well-known columns plus the declared
// extra_schema projection as an Arrow schema.
func BuildSchema(extraSchema map[string]config.ExtraColumnType) *arrow.Schema {
	fields := []arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "process_name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "data", Type: arrow.BinaryTypes.String},
		{Name: "timestamp", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "status", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "status_int", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "username", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "version", Type: arrow.PrimitiveTypes.Int64},
		{Name: "updated_at", Type: arrow.BinaryTypes.String},
	}
	for _, name := range sortedKeys(extraSchema) {
		fields = append(fields, arrow.Field{Name: name, Type: arrowTypeFor(extraSchema[name]), Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowTypeFor(t config.ExtraColumnType) arrow.DataType {
	switch t {
	case config.ExtraInt64:
		return arrow.PrimitiveTypes.Int64
	case config.ExtraFloat64:
		return arrow.PrimitiveTypes.Float64
	case config.ExtraBool:
		return arrow.FixedWidthTypes.Boolean
	case config.ExtraTimestamp, config.ExtraString:
		return arrow.BinaryTypes.String
	default:
		return arrow.BinaryTypes.String
	}
}

func sortedKeys(m map[string]config.ExtraColumnType) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// PartitionPath renders the Hive-style partition directory for a row:
// process_name=<value>/date=<cohort>/part-<seq>.parquet. A nil
// process_name partitions under the literal "null" bucket, matching the
// dated identity's own nil/"" distinction.
func PartitionPath(processName *string, cohortDate string, seq int) string {
	proc := "null"
	if processName != nil {
		proc = *processName
		if proc == "" {
			proc = "_empty"
		}
	}
	return fmt.Sprintf("process_name=%s/date=%s/part-%05d.parquet", proc, cohortDate, seq)
}
