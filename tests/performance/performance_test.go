package performance

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fastpersist/internal/config"
	"fastpersist/internal/engine"
)

// BenchmarkConfig holds configuration for performance tests against the
// engine façade, in place of a remote service URL.
type BenchmarkConfig struct {
	BaseDir     string
	RecordCount int
	Concurrency int
	Duration    time.Duration
}

func defaultBenchmarkConfig(baseDir string) *BenchmarkConfig {
	return &BenchmarkConfig{
		BaseDir:     baseDir,
		RecordCount: 10000,
		Concurrency: 10,
		Duration:    2 * time.Second,
	}
}

func openBenchDated(tb testing.TB, cfg *BenchmarkConfig) *engine.DatedEngine {
	c := config.Defaults()
	c.BaseDir = cfg.BaseDir
	c.FlushIntervalSeconds = 0
	e, err := engine.OpenDated(c, "2026-07-30")
	require.NoError(tb, err)
	return e
}

func generateTestRecord(i int) map[string]interface{} {
	return map[string]interface{}{
		"id":       fmt.Sprintf("rec-%d", i),
		"category": randomCategory(),
		"value":    rand.Float64() * 100,
	}
}

func randomCategory() string {
	categories := []string{"alpha", "beta", "gamma", "delta"}
	return categories[rand.Intn(len(categories))]
}

// BenchmarkDatedStoreThroughput benchmarks dated-engine store throughput
// under concurrent callers, all sharing one engine handle and its writeMu.
func BenchmarkDatedStoreThroughput(b *testing.B) {
	ctx := context.Background()
	cfg := defaultBenchmarkConfig(b.TempDir())
	e := openBenchDated(b, cfg)
	defer e.Close(ctx)

	b.ResetTimer()
	b.ReportAllocs()

	var counter int64
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := atomic.AddInt64(&counter, 1)
			require.NoError(b, e.Store(ctx, fmt.Sprintf("k-%d", i), nil, generateTestRecord(int(i))))
		}
	})
}

// BenchmarkDatedGetLatency benchmarks hydrated-cache read latency once a
// fixed population of keys has been stored and flushed.
func BenchmarkDatedGetLatency(b *testing.B) {
	ctx := context.Background()
	cfg := defaultBenchmarkConfig(b.TempDir())
	e := openBenchDated(b, cfg)
	defer e.Close(ctx)

	for i := 0; i < cfg.RecordCount; i++ {
		require.NoError(b, e.Store(ctx, fmt.Sprintf("k-%d", i), nil, generateTestRecord(i)))
	}
	require.NoError(b, e.Flush(ctx))

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("k-%d", rand.Intn(cfg.RecordCount))
			_, _ = e.GetKey(key)
		}
	})
}

// BenchmarkDatedMixedOperations runs a 70% read / 30% write workload
// against a shared engine handle, mirroring a realistic serving mix.
func BenchmarkDatedMixedOperations(b *testing.B) {
	ctx := context.Background()
	cfg := defaultBenchmarkConfig(b.TempDir())
	e := openBenchDated(b, cfg)
	defer e.Close(ctx)

	for i := 0; i < 1000; i++ {
		require.NoError(b, e.Store(ctx, fmt.Sprintf("k-%d", i), nil, generateTestRecord(i)))
	}
	require.NoError(b, e.Flush(ctx))

	b.ResetTimer()
	b.ReportAllocs()

	var counter int64
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if rand.Float32() < 0.7 {
				_, _ = e.GetKey(fmt.Sprintf("k-%d", rand.Intn(1000)))
			} else {
				i := atomic.AddInt64(&counter, 1)
				require.NoError(b, e.Store(ctx, fmt.Sprintf("k-extra-%d", i), nil, generateTestRecord(int(i))))
			}
		}
	})
}

// TestSustainedLoad runs a fixed-duration multi-worker load against the
// dated engine, logs throughput and average latency, and asserts that at
// least one operation completed and the error rate stays below 1%,
// grounded on the teacher's LoadTest worker-pool pattern.
func TestSustainedLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sustained load test in -short mode")
	}

	ctx := context.Background()
	cfg := defaultBenchmarkConfig(t.TempDir())
	e := openBenchDated(t, cfg)
	defer e.Close(ctx)

	deadline := time.Now().Add(cfg.Duration)

	var totalOps int64
	var totalLatencyNanos int64
	var errorCount int64
	var wg sync.WaitGroup

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			i := 0
			for time.Now().Before(deadline) {
				start := time.Now()
				err := e.Store(ctx, fmt.Sprintf("w%d-k%d", workerID, i), nil, generateTestRecord(i))
				elapsed := time.Since(start)
				atomic.AddInt64(&totalOps, 1)
				atomic.AddInt64(&totalLatencyNanos, int64(elapsed))
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
				}
				i++
			}
		}(w)
	}
	wg.Wait()

	ops := atomic.LoadInt64(&totalOps)
	require.Greater(t, ops, int64(0))

	avgLatency := time.Duration(atomic.LoadInt64(&totalLatencyNanos) / ops)
	opsPerSecond := float64(ops) / cfg.Duration.Seconds()
	errorRate := float64(atomic.LoadInt64(&errorCount)) / float64(ops) * 100

	t.Logf("Sustained Load Results:")
	t.Logf("  Duration: %v", cfg.Duration)
	t.Logf("  Total Operations: %d", ops)
	t.Logf("  Operations/sec: %.2f", opsPerSecond)
	t.Logf("  Average Latency: %v", avgLatency)
	t.Logf("  Error Rate: %.2f%%", errorRate)

	require.Less(t, errorRate, 1.0, "error rate too high")
}
