// Package db provides database open helpers and a reader/writer pool
// abstraction shared by the relational store.
package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/agentplane/agentplane/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// SizeBytes reports the current on-disk size of the database. Used by the
// retention loop's size-pressure checks.
func (p *Pool) SizeBytes(ctx context.Context) (int64, error) {
	if dialect.IsPostgres(p.reader.DriverName()) {
		var size int64
		err := p.reader.QueryRowContext(ctx, "SELECT pg_database_size(current_database())").Scan(&size)
		if err != nil {
			return 0, fmt.Errorf("query database size: %w", err)
		}
		return size, nil
	}
	var pageCount, pageSize int64
	if err := p.reader.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("query page_count: %w", err)
	}
	if err := p.reader.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("query page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// Vacuum reclaims space after bulk deletions. On SQLite this runs VACUUM on
// the writer connection; on PostgreSQL autovacuum covers it, so this is a
// no-op.
func (p *Pool) Vacuum(ctx context.Context) error {
	if dialect.IsPostgres(p.writer.DriverName()) {
		return nil
	}
	if _, err := p.writer.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum database: %w", err)
	}
	return nil
}

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
