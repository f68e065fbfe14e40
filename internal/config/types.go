package config

// ExtraColumnType is the fixed catalogue of physical types an extra_schema
// projection may declare (spec §3 "Extra columns").
type ExtraColumnType string

const (
	ExtraInt64     ExtraColumnType = "int64"
	ExtraFloat64   ExtraColumnType = "float64"
	ExtraString    ExtraColumnType = "string"
	ExtraBool      ExtraColumnType = "bool"
	ExtraTimestamp ExtraColumnType = "timestamp"
)

// IsKnown reports whether t is one of the fixed catalogue of physical
// types.
func (t ExtraColumnType) IsKnown() bool {
	switch t {
	case ExtraInt64, ExtraFloat64, ExtraString, ExtraBool, ExtraTimestamp:
		return true
	default:
		return false
	}
}

// ParquetConfig configures the optional Hive-partitioned export a dated
// engine writes on clean close.
type ParquetConfig struct {
	// Path, if non-empty, enables export.
	Path string `json:"path"`
	// Backend selects the block storage sink: "local" (default) or "s3".
	Backend string        `json:"backend"`
	S3      ParquetS3Opts `json:"s3"`
}

// ParquetS3Opts configures the S3 block storage sink.
type ParquetS3Opts struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	Prefix string `json:"prefix"`
}

// Config holds every option recognised by either engine variant. Fields
// specific to one variant are ignored by the other (see field comments).
type Config struct {
	// BaseDir is the root directory holding the cohort lock file and the
	// cohort subdirectories themselves.
	BaseDir string `json:"base_dir"`

	// MaxWALSize rotates a WAL segment once its byte count reaches this
	// threshold.
	MaxWALSize int64 `json:"max_wal_size"`
	// BatchSize rotates a WAL segment once its record count reaches this
	// threshold. It does not limit a flush, which moves the whole pending
	// ledger in one transaction.
	BatchSize int `json:"batch_size"`
	// MaxWALAgeSeconds rotates a WAL segment once it has been open this
	// long. Dated engine only; 0 disables age-based rotation.
	MaxWALAgeSeconds int `json:"max_wal_age_seconds"`

	// FlushIntervalSeconds is the period of the background flusher.
	FlushIntervalSeconds int `json:"duckdb_flush_interval_seconds"`

	// RetainDays bounds how many days of cohort directories survive a
	// collection engine's shutdown retention sweep. Collection engine only.
	RetainDays int `json:"retain_days"`

	// Parquet configures the dated engine's optional export-on-close.
	Parquet ParquetConfig `json:"parquet"`

	// ExtraSchema projects additional typed columns out of the JSON
	// payload, keyed by column name.
	ExtraSchema map[string]ExtraColumnType `json:"extra_schema"`

	// DBName names the on-disk column-store file within a cohort directory
	// (default "storage.db" if empty).
	DBName string `json:"db_name"`
}

// Defaults returns a Config with the engine's sensible defaults applied;
// the caller still must set BaseDir.
func Defaults() Config {
	return Config{
		MaxWALSize:           64 * 1024 * 1024,
		BatchSize:            1000,
		MaxWALAgeSeconds:     300,
		FlushIntervalSeconds: 5,
		RetainDays:           30,
		DBName:               "storage.db",
		Parquet:              ParquetConfig{Backend: "local"},
	}
}
