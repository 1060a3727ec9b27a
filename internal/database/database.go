// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

// Package database provides the DuckDB persistence layer for the pipeline:
// idempotent feature writes, processing status tracking, dead letter storage,
// and the real-time and historical query paths backing the API.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/resonance-pipeline/resonance/internal/config"
	"github.com/resonance-pipeline/resonance/internal/logging"
)

// DB wraps the DuckDB connection with prepared statement caching and
// automatic reconnection.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig

	stmtCache   map[string]*sql.Stmt
	stmtCacheMu sync.RWMutex

	reconnectMu       sync.Mutex
	maxReconnectTries int
	reconnectDelay    time.Duration
}

// New creates a new database connection and initializes the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure parent directory exists for the database file
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	conn, err := sql.Open("duckdb", connString(cfg, numThreads))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{
		conn:              conn,
		cfg:               cfg,
		stmtCache:         make(map[string]*sql.Stmt),
		maxReconnectTries: 3,
		reconnectDelay:    2 * time.Second,
	}

	db.configureConnectionPool()

	if err := db.initialize(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// connString builds the DuckDB connection string with tuning options.
// preserve_insertion_order=false reduces memory usage but may change result order.
func connString(cfg *config.DatabaseConfig, numThreads int) string {
	preserveOrder := "true"
	if !cfg.PreserveInsertionOrder {
		preserveOrder = "false"
	}
	// Disable auto-install/auto-load to prevent hangs in restricted
	// network environments.
	return fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&preserve_insertion_order=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, cfg.MaxMemory, preserveOrder)
}

// configureConnectionPool sets connection pool parameters.
func (db *DB) configureConnectionPool() {
	maxOpen := db.cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = runtime.NumCPU()
	}
	maxIdle := db.cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	db.conn.SetMaxOpenConns(maxOpen)
	db.conn.SetMaxIdleConns(maxIdle)
	db.conn.SetConnMaxLifetime(time.Hour)
	db.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// Conn returns the underlying sql.DB for health checks.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks if the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return db.conn.PingContext(ctx)
}

// Checkpoint flushes the WAL to the main database file.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "CHECKPOINT")
	return err
}

// Close closes the database connection and all prepared statements.
// A CHECKPOINT is issued first to flush the WAL so the next startup does not
// need to replay pending changes.
func (db *DB) Close() error {
	db.clearStatementCache()

	if db.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Checkpoint(ctx); err != nil {
			logging.Warn().Err(err).Msg("Failed to checkpoint database before close")
		}
		cancel()

		return db.conn.Close()
	}
	return nil
}

// initialize creates tables and indexes.
func (db *DB) initialize() error {
	if err := db.createTables(); err != nil {
		return err
	}
	if err := db.createIndexes(); err != nil {
		return err
	}

	// Flush the WAL after schema initialization so restarts do not replay
	// CREATE TABLE statements.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after schema initialization")
	}

	return nil
}

// createTables creates the pipeline schema. All statements are idempotent.
func (db *DB) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audio_data (
			audio_id VARCHAR PRIMARY KEY,
			sensor_id VARCHAR NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			sample_rate INTEGER NOT NULL,
			duration DOUBLE NOT NULL,
			format VARCHAR NOT NULL,
			payload_bytes INTEGER NOT NULL,
			raw_metadata VARCHAR,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS features_type_a (
			feature_id VARCHAR PRIMARY KEY,
			audio_id VARCHAR NOT NULL,
			sensor_id VARCHAR NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			features VARCHAR NOT NULL,
			processing_time_ms DOUBLE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS features_type_b (
			feature_id VARCHAR PRIMARY KEY,
			source_feature_id VARCHAR NOT NULL,
			audio_id VARCHAR NOT NULL,
			sensor_id VARCHAR NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			enhanced_features VARCHAR NOT NULL,
			classification VARCHAR NOT NULL,
			quality_score DOUBLE NOT NULL,
			processing_time_ms DOUBLE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS processing_status (
			audio_id VARCHAR PRIMARY KEY,
			sensor_id VARCHAR NOT NULL,
			stage VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error VARCHAR,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			message_uuid VARCHAR PRIMARY KEY,
			topic VARCHAR NOT NULL,
			audio_id VARCHAR,
			sensor_id VARCHAR,
			payload BLOB,
			error VARCHAR NOT NULL,
			category VARCHAR NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// createIndexes creates query indexes. Sensor and time range scans dominate
// the query workload, so both feature tables index (sensor_id, timestamp).
func (db *DB) createIndexes() error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_audio_sensor_ts ON audio_data (sensor_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_features_a_sensor_ts ON features_type_a (sensor_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_features_a_audio ON features_type_a (audio_id)`,
		`CREATE INDEX IF NOT EXISTS idx_features_b_sensor_ts ON features_type_b (sensor_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_features_b_audio ON features_type_b (audio_id)`,
		`CREATE INDEX IF NOT EXISTS idx_status_sensor ON processing_status (sensor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_created ON dead_letters (created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// getStmt returns a cached prepared statement, preparing it on first use.
func (db *DB) getStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	db.stmtCacheMu.RLock()
	stmt, ok := db.stmtCache[query]
	db.stmtCacheMu.RUnlock()
	if ok {
		return stmt, nil
	}

	db.stmtCacheMu.Lock()
	defer db.stmtCacheMu.Unlock()

	// Re-check under write lock
	if stmt, ok := db.stmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := db.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	db.stmtCache[query] = stmt
	return stmt, nil
}

// execPrepared runs a cached prepared statement. A write that fails with
// a connection error triggers the reconnect path and one more attempt on
// the fresh connection; a DuckDB write-write conflict also gets one more
// attempt, since every write here is idempotent.
func (db *DB) execPrepared(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return nil, err
	}

	res, err := stmt.ExecContext(ctx, args...)
	if err == nil {
		return res, nil
	}

	switch {
	case isConnectionError(err):
		if rErr := db.reconnect(ctx); rErr != nil {
			return nil, fmt.Errorf("reconnect: %w (after %v)", rErr, err)
		}
	case isTransactionConflict(err):
		// Two writers raced on the same rows; retry settles it.
	default:
		return nil, err
	}

	stmt, err = db.getStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// clearStatementCache closes all cached prepared statements.
func (db *DB) clearStatementCache() {
	db.stmtCacheMu.Lock()
	for _, stmt := range db.stmtCache {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				logging.Debug().Err(err).Msg("Failed to close prepared statement")
			}
		}
	}
	db.stmtCache = make(map[string]*sql.Stmt)
	db.stmtCacheMu.Unlock()
}

// reconnect attempts to re-establish the database connection with
// exponential backoff. Called when a write fails with a connection error.
func (db *DB) reconnect(ctx context.Context) error {
	db.reconnectMu.Lock()
	defer db.reconnectMu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err == nil {
		return nil // Connection is alive
	}

	db.clearStatementCache()

	if db.conn != nil {
		closeQuietly(db.conn)
	}

	var lastErr error
	for attempt := 0; attempt < db.maxReconnectTries; attempt++ {
		if attempt > 0 {
			delay := db.reconnectDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := db.attemptReconnect(); err != nil {
			lastErr = fmt.Errorf("reconnect attempt %d failed: %w", attempt+1, err)
			continue
		}

		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts: %w", db.maxReconnectTries, lastErr)
}

// attemptReconnect tries to establish a new database connection.
func (db *DB) attemptReconnect() error {
	numThreads := db.cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	conn, err := sql.Open("duckdb", connString(db.cfg, numThreads))
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := conn.PingContext(pingCtx); err != nil {
		pingCancel()
		closeQuietly(conn)
		return fmt.Errorf("failed to ping: %w", err)
	}
	pingCancel()

	db.conn = conn
	db.configureConnectionPool()

	if err := db.initialize(); err != nil {
		closeQuietly(conn)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	return nil
}

// isConnectionError checks if an error indicates database connection loss.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "bad connection") ||
		strings.Contains(errMsg, "database is closed")
}

// isTransactionConflict checks if an error is a DuckDB transaction conflict.
func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "Conflict on update")
}

func closeQuietly(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Debug().Err(err).Msg("Close failed")
	}
}
