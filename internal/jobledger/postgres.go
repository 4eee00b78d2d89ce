// Package jobledger implements the optional job ledger: a durable record
// of every pipeline.JobResult, persisted so operators can audit
// completed and failed jobs after the fact. It is never on the request's
// critical path: Orchestrator.Process calls Record after the response
// envelope is already built and only logs a failure to persist it.
package jobledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"templatepipe/internal/pipeline"
)

// Config configures a Postgres-backed Ledger.
type Config struct {
	DSN              string
	MaxConnections   int32
	MinConnections   int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	ApplicationName  string
	OperationTimeout time.Duration
}

const defaultOperationTimeout = 5 * time.Second

// Ledger persists job results to a Postgres table. It satisfies
// pipeline.Ledger.
type Ledger struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New opens a connection pool and returns a Ledger. Callers should Close
// it during graceful shutdown.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jobledger: dsn is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("jobledger: parse dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolConfig.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("jobledger: open pool: %w", err)
	}

	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}

	return &Ledger{pool: pool, timeout: timeout}, nil
}

// Close releases the pool's connections. pgxpool.Pool.Close blocks until
// every checked-out connection is returned, so it is raced against ctx to
// keep shutdown bounded even when a Record call is wedged mid-insert.
func (l *Ledger) Close(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		l.pool.Close()
	}()
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobledger: close interrupted: %w", ctx.Err())
	}
}

// Ping checks connectivity to the backing Postgres instance, used by the
// health endpoint. The pool-level Ping round-trips an empty query on a
// fresh or idle connection, bounded by the ledger's operation timeout.
func (l *Ledger) Ping(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("jobledger: pool not configured")
	}
	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.pool.Ping(opCtx)
}

// Record persists a completed job result. Process calls this best-effort
// after the response envelope is already finalized: a failure here never
// changes what the caller receives.
func (l *Ledger) Record(ctx context.Context, result pipeline.JobResult) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("jobledger: pool not configured")
	}

	errorCode := ""
	if result.Error != nil {
		errorCode = result.Error.Code
	}
	templateCode, versionSemver := "", ""
	if result.Template != nil {
		templateCode = result.Template.TemplateCode
		versionSemver = result.Template.VersionSemver
	}
	timingJSON, err := json.Marshal(result.Timing)
	if err != nil {
		return fmt.Errorf("jobledger: marshal timing: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err = l.pool.Exec(opCtx, `
INSERT INTO pipeline_jobs (job_id, ok, template_code, version_semver, error_code, total_ms, timing, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (job_id) DO NOTHING
`, result.JobID, result.Ok, templateCode, versionSemver, errorCode, result.Timing.TotalMs, timingJSON, time.Now().UTC())
	return err
}
