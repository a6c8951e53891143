// Package storage persists option-chain records into one table per
// (underlying, expiry) pair.
package storage

import (
	"context"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
)

// SchemaVersion names the column layout created by EnsureTable.
const SchemaVersion = "optionchain_collector schema v1"

// Interface is a relational store of option-chain tables.
//
// Implementations must be safe for concurrent use. Each worker acquires its own
// Session, so workers never share a connection.
type Interface interface {
	// Acquire returns a dedicated session. The caller must Release it.
	Acquire(ctx context.Context) (Session, error)
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	Close()
}

// Session is a single connection used by one goroutine at a time.
type Session interface {
	// EnsureTable creates the table and its secondary indexes if absent.
	// It is idempotent.
	EnsureTable(ctx context.Context, id models.TableIdentity) error
	// Upsert inserts rec keyed by its capture timestamp. A row already present
	// for that timestamp is left untouched and inserted is false.
	Upsert(ctx context.Context, id models.TableIdentity, rec *models.OptionChainRecord) (inserted bool, err error)
	// Healthy reports whether the session can still be used after an error.
	Healthy() bool
	Release()
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*PostgresStore)(nil)
	_ Interface = (*MemoryStore)(nil)
)
