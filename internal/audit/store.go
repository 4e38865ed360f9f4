// Package audit provides the append-only, queryable, retention-bounded
// record of security actions. Every other component of the security core
// writes through this ledger.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Result classifies the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// Entry is a single audit record. Entries are never mutated after
// insertion and are deleted only via retention cleanup.
type Entry struct {
	ID        uuid.UUID
	Timestamp time.Time
	UserID    string
	SessionID string
	Action    string
	Resource  string
	Result    Result
	IPAddress string
	UserAgent string
	Sensitive bool
	Metadata  map[string]string
}

// Query selects entries by AND-combined predicates. Zero values mean
// "no constraint". Results are ordered newest-first; Limit truncates
// after ordering.
type Query struct {
	StartDate *time.Time
	EndDate   *time.Time
	UserID    string
	Action    string
	Resource  string
	Result    Result
	Limit     int
}

// StoreStats is a snapshot of the ledger's size and bounds.
type StoreStats struct {
	TotalEntries int
	Oldest       time.Time
	Newest       time.Time
}

// Store is the persistence contract for audit entries. The medium
// (in-memory, SQLite) is substitutable. Implementations must be safe
// for concurrent use.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, q Query) ([]*Entry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}
