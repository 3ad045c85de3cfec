// Benchmark tool driving the dispatch path end to end.
//
// Usage:
//
//	go run cmd/benchmark/main.go -ops 10000 -workers 8
//
// It registers an embedded SQLite engine, loads a permissive policy,
// then hammers execute_query/execute_command through the full
// security pipeline and reports throughput and latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-db/kestrel/internal/audit"
	"github.com/opensource-db/kestrel/internal/dispatch"
	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/engine"
	"github.com/opensource-db/kestrel/internal/security"
)

func main() {
	ops := flag.Int("ops", 10_000, "total operations to run")
	workers := flag.Int("workers", 8, "concurrent workers")
	writeRatio := flag.Float64("write-ratio", 0.2, "fraction of operations that are inserts")
	dbPath := flag.String("db", "", "sqlite path (default: temp file)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "kestrel-bench")
		if err != nil {
			fatal("create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "bench.db")
	}

	cfg := domain.DefaultConfig()
	secCfg := cfg.Security

	auditLog := audit.New(logger, 10_000)
	defer auditLog.Close()

	sec, err := security.NewLayer(secCfg, benchPolicy(), auditLog, logger)
	if err != nil {
		fatal("security layer: %v", err)
	}

	d := dispatch.New(sec, logger)
	defer d.Close()

	eng, err := engine.NewSQLite("bench", domain.DatabaseConfig{
		Type: domain.EngineSQLite,
		Path: path,
		Pool: domain.PoolConfig{
			MinConnections: *workers,
			MaxConnections: *workers * 2,
			AcquireTimeout: 5 * time.Second,
			IdleTimeout:    5 * time.Minute,
			MaxLifetime:    30 * time.Minute,
		},
	})
	if err != nil {
		fatal("open sqlite: %v", err)
	}
	if err := d.Register(eng); err != nil {
		fatal("register engine: %v", err)
	}

	ctx := context.Background()
	caller := domain.Caller{User: "bench"}

	if _, err := d.ExecuteCommand(ctx, "bench", caller,
		"CREATE TABLE IF NOT EXISTS samples (id INTEGER PRIMARY KEY, payload TEXT NOT NULL, created_at TEXT NOT NULL)", nil); err != nil {
		fatal("create table: %v", err)
	}

	latencies := make([]time.Duration, *ops)
	var next atomic.Int64
	var failures atomic.Int64

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if i >= int64(*ops) {
					return
				}
				opStart := time.Now()
				var err error
				if float64(i%100)/100 < *writeRatio {
					_, err = d.ExecuteCommand(ctx, "bench", caller,
						"INSERT INTO samples (payload, created_at) VALUES (?, ?)",
						[]domain.Value{
							domain.String(fmt.Sprintf("payload-%d", i)),
							domain.String(time.Now().UTC().Format(time.RFC3339)),
						})
				} else {
					_, err = d.ExecuteQuery(ctx, "bench", caller,
						"SELECT id, payload FROM samples WHERE id = ?",
						[]domain.Value{domain.Int64(i % 1000)})
				}
				latencies[i] = time.Since(opStart)
				if err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		idx := int(float64(len(latencies)-1) * p)
		return latencies[idx]
	}

	fmt.Printf("operations:  %d (%d failed)\n", *ops, failures.Load())
	fmt.Printf("workers:     %d\n", *workers)
	fmt.Printf("elapsed:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("throughput:  %.0f ops/s\n", float64(*ops)/elapsed.Seconds())
	fmt.Printf("latency p50: %s\n", pct(0.50).Round(time.Microsecond))
	fmt.Printf("latency p95: %s\n", pct(0.95).Round(time.Microsecond))
	fmt.Printf("latency p99: %s\n", pct(0.99).Round(time.Microsecond))

	stats := eng.Stats()
	fmt.Printf("pool:        live=%d acquires=%d timeouts=%d evictions=%d\n",
		stats.Live, stats.Acquires, stats.Timeouts, stats.Evictions)
}

// benchPolicy grants the bench user full access; the point is to
// measure the pipeline, not to exercise denials.
func benchPolicy() domain.RBACConfig {
	return domain.RBACConfig{
		Roles: []domain.Role{{Name: "bench"}},
		Rules: []domain.AccessRule{{
			ID:       "bench-all",
			Roles:    []string{"bench"},
			Actions:  []domain.Action{domain.ActionRead, domain.ActionWrite, domain.ActionDelete, domain.ActionAdmin},
			Resource: "*",
			Effect:   domain.EffectAllow,
		}},
		Assignments: map[string][]string{"bench": {"bench"}},
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "benchmark: "+format+"\n", args...)
	os.Exit(1)
}
