package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"fastpersist/internal/common"
)

// reservedColumns are the well-known and physical column names extra_schema
// may never shadow (spec §3 "Extra columns" / §9 ErrSchemaConflict).
var reservedColumns = map[string]bool{
	"key": true, "process_name": true, "collection_name": true, "item_name": true,
	"data": true, "timestamp": true, "status": true, "status_int": true,
	"username": true, "value": true, "value_int": true, "value_float": true,
	"value_string": true, "version": true, "updated_at": true,
}

// Load builds a Config from defaults overridden by environment variables,
// then validates it. Grounded on the teacher's Load()/getEnv* idiom, with
// the service-mesh knobs (ingestion/query/kafka/auth ports) replaced by the
// engine's own options.
func Load() (*Config, error) {
	cfg := Defaults()

	cfg.BaseDir = getEnvString("FASTPERSIST_BASE_DIR", "./data")
	cfg.MaxWALSize = getEnvInt64("FASTPERSIST_MAX_WAL_SIZE", cfg.MaxWALSize)
	cfg.BatchSize = getEnvInt("FASTPERSIST_BATCH_SIZE", cfg.BatchSize)
	cfg.MaxWALAgeSeconds = getEnvInt("FASTPERSIST_MAX_WAL_AGE_SECONDS", cfg.MaxWALAgeSeconds)
	cfg.FlushIntervalSeconds = getEnvInt("FASTPERSIST_FLUSH_INTERVAL_SECONDS", cfg.FlushIntervalSeconds)
	cfg.RetainDays = getEnvInt("FASTPERSIST_RETAIN_DAYS", cfg.RetainDays)
	cfg.DBName = getEnvString("FASTPERSIST_DB_NAME", cfg.DBName)

	cfg.Parquet.Path = getEnvString("FASTPERSIST_PARQUET_PATH", cfg.Parquet.Path)
	cfg.Parquet.Backend = getEnvString("FASTPERSIST_PARQUET_BACKEND", cfg.Parquet.Backend)
	cfg.Parquet.S3.Bucket = getEnvString("FASTPERSIST_PARQUET_S3_BUCKET", cfg.Parquet.S3.Bucket)
	cfg.Parquet.S3.Region = getEnvString("FASTPERSIST_PARQUET_S3_REGION", cfg.Parquet.S3.Region)
	cfg.Parquet.S3.Prefix = getEnvString("FASTPERSIST_PARQUET_S3_PREFIX", cfg.Parquet.S3.Prefix)

	if raw := os.Getenv("FASTPERSIST_EXTRA_SCHEMA"); raw != "" {
		schema, err := parseExtraSchema(raw)
		if err != nil {
			return nil, err
		}
		cfg.ExtraSchema = schema
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseExtraSchema parses the "col1:type1,col2:type2" env-var encoding of
// the extra_schema map.
func parseExtraSchema(raw string) (map[string]ExtraColumnType, error) {
	out := map[string]ExtraColumnType{}
	for _, pair := range split(raw, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: invalid extra_schema entry %q, want col:type", pair)
		}
		out[parts[0]] = ExtraColumnType(parts[1])
	}
	return out, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func split(s string, sep string) []string {
	var result []string
	for _, v := range strings.Split(s, sep) {
		v = strings.TrimSpace(v)
		if len(v) > 0 {
			result = append(result, v)
		}
	}
	return result
}

// String returns a pretty-printed JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks structural and cross-field constraints, including the
// extra_schema reserved-column and known-type rules (spec §9
// ErrSchemaConflict).
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("config: base_dir is required")
	}
	if c.MaxWALSize <= 0 {
		return fmt.Errorf("config: max_wal_size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if c.Parquet.Backend != "" && c.Parquet.Backend != "local" && c.Parquet.Backend != "s3" {
		return fmt.Errorf("config: invalid parquet backend: %s", c.Parquet.Backend)
	}

	for col, typ := range c.ExtraSchema {
		if reservedColumns[col] {
			return common.ErrSchemaConflictError(col, "shadows a reserved column name")
		}
		if !typ.IsKnown() {
			return common.ErrSchemaConflictError(col, fmt.Sprintf("unknown physical type %q", typ))
		}
	}
	return nil
}
