package parquetexport

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"fastpersist/internal/blockstore"
	"fastpersist/internal/cache"
	"fastpersist/internal/cohort"
	"fastpersist/internal/config"
	"fastpersist/internal/payload"
)

func marshalData(data map[string]interface{}) (string, error) {
	b, err := payload.MarshalJSON(data)
	if err != nil {
		return "", fmt.Errorf("parquetexport: marshal data: %w", err)
	}
	return string(b), nil
}

// Writer exports dated-engine rows as Hive-partitioned parquet files,
// grouping by process_name since that is the partition key a downstream
// analytical reader (Spark, DuckDB, Athena) would filter on most often.
type Writer struct {
	sink        blockstore.Storage
	schema      *arrow.Schema
	extraNames  []string
	allocator   memory.Allocator
	compression compress.Compression
}

// NewWriter builds a Writer for the given extra_schema projection.
func NewWriter(sink blockstore.Storage, extraSchema map[string]config.ExtraColumnType) *Writer {
	return &Writer{
		sink:        sink,
		schema:      BuildSchema(extraSchema),
		extraNames:  sortedKeys(extraSchema),
		allocator:   memory.NewGoAllocator(),
		compression: compress.Codecs.Snappy,
	}
}

// Export partitions rows by process_name and writes one parquet file per
// partition at process_name=.../date=<cohortDate>/part-00000.parquet.
func (w *Writer) Export(ctx context.Context, cohortDate string, rows []cache.DatedRow) error {
	partitions := make(map[string][]cache.DatedRow)
	order := make([]string, 0)
	for _, row := range rows {
		key := PartitionPath(row.Identity.ProcessName, cohortDate, 0)
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], row)
	}

	for _, path := range order {
		if err := w.writePartition(ctx, path, partitions[path]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writePartition(ctx context.Context, path string, rows []cache.DatedRow) error {
	out, err := w.sink.Writer(ctx, path)
	if err != nil {
		return fmt.Errorf("parquetexport: open sink writer for %s: %w", path, err)
	}
	defer out.Close()

	props := parquet.NewWriterProperties(parquet.WithCompression(w.compression))
	pqWriter, err := pqarrow.NewFileWriter(w.schema, out, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("parquetexport: create file writer: %w", err)
	}
	defer pqWriter.Close()

	batch, err := w.rowsToRecord(rows)
	if err != nil {
		return err
	}
	defer batch.Release()

	if err := pqWriter.Write(batch); err != nil {
		return fmt.Errorf("parquetexport: write batch for %s: %w", path, err)
	}
	return pqWriter.Close()
}

func (w *Writer) rowsToRecord(rows []cache.DatedRow) (arrow.Record, error) {
	builders := make([]array.Builder, len(w.schema.Fields()))
	for i, f := range w.schema.Fields() {
		builders[i] = array.NewBuilder(w.allocator, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		if err := w.appendRow(builders, row); err != nil {
			return nil, err
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()

	return array.NewRecord(w.schema, arrays, int64(len(rows))), nil
}

func (w *Writer) appendRow(builders []array.Builder, row cache.DatedRow) error {
	rec := row.Record
	col := 0

	builders[col].(*array.StringBuilder).Append(row.Identity.Key)
	col++

	if row.Identity.ProcessName != nil {
		builders[col].(*array.StringBuilder).Append(*row.Identity.ProcessName)
	} else {
		builders[col].AppendNull()
	}
	col++

	dataJSON, err := marshalData(rec.Data)
	if err != nil {
		return err
	}
	builders[col].(*array.StringBuilder).Append(dataJSON)
	col++

	if rec.Timestamp != nil {
		builders[col].(*array.StringBuilder).Append(cohort.SerializeTimestamp(*rec.Timestamp))
	} else {
		builders[col].AppendNull()
	}
	col++

	if rec.Status != nil {
		builders[col].(*array.StringBuilder).Append(*rec.Status)
	} else {
		builders[col].AppendNull()
	}
	col++

	if rec.StatusInt != nil {
		builders[col].(*array.Int64Builder).Append(*rec.StatusInt)
	} else {
		builders[col].AppendNull()
	}
	col++

	if rec.Username != nil {
		builders[col].(*array.StringBuilder).Append(*rec.Username)
	} else {
		builders[col].AppendNull()
	}
	col++

	builders[col].(*array.Int64Builder).Append(rec.Version)
	col++

	builders[col].(*array.StringBuilder).Append(cohort.SerializeTimestamp(rec.UpdatedAt))
	col++

	for _, name := range w.extraNames {
		appendExtra(builders[col], rec.Data[name])
		col++
	}
	return nil
}

func appendExtra(b array.Builder, v interface{}) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch builder := b.(type) {
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			builder.Append(n)
		case int:
			builder.Append(int64(n))
		case float64:
			builder.Append(int64(n))
		default:
			builder.AppendNull()
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case float64:
			builder.Append(n)
		case int64:
			builder.Append(float64(n))
		default:
			builder.AppendNull()
		}
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			builder.Append(bv)
		} else {
			builder.AppendNull()
		}
	case *array.StringBuilder:
		builder.Append(fmt.Sprintf("%v", v))
	default:
		b.AppendNull()
	}
}
