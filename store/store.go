package store

import (
	"context"
	"time"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/run"
)

// Order is the direction of a log read.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// FieldCompletedSteps is the only counter IndexIncrement supports.
const FieldCompletedSteps = "completedSteps"

// ReadOptions filters a log read. FromID is exclusive. Limit <= 0 reads
// everything. Types, when set, keeps only those event types; Limit
// applies after filtering.
type ReadOptions struct {
	Limit  int
	FromID string
	Order  Order
	Types  []event.Type
}

// EventLog is the append-only, per-subject ordered event log.
type EventLog interface {
	// Append assigns rec a log id and timestamp, stores it under subject
	// and returns the stored record. Ids are monotonic within a subject.
	Append(ctx context.Context, subject string, rec *event.Record) (*event.Record, error)

	// Read returns records of subject in log order (or reverse).
	Read(ctx context.Context, subject string, opts ReadOptions) ([]*event.Record, error)
}

// Index is the sorted, versioned run index.
type Index interface {
	// IndexAdd stores e under key with its version at zero and its
	// counter at e.Metadata.CompletedSteps. It fails with
	// cascade.ErrRunAlreadyExists if the run id is taken.
	IndexAdd(ctx context.Context, key string, e *run.Entry) error

	// IndexGet returns the entry or cascade.ErrRunNotFound.
	IndexGet(ctx context.Context, key, id string) (*run.Entry, error)

	// IndexUpdate writes meta if the stored version equals meta.Version and
	// returns the entry with the bumped version. A stale version fails with
	// cascade.ErrVersionConflict. meta.CompletedSteps is ignored: the
	// counter only moves through IndexIncrement.
	IndexUpdate(ctx context.Context, key, id string, meta run.Metadata) (*run.Entry, error)

	// IndexIncrement atomically adds delta to a counter field and returns
	// the new value. It does not change the version.
	IndexIncrement(ctx context.Context, key, id, field string, delta int64) (int64, error)

	// IndexRead returns entries newest first.
	IndexRead(ctx context.Context, key string, offset, limit int) ([]*run.Entry, error)
}

// KV is a small key-value space for await bookkeeping.
type KV interface {
	// Get returns the value or cascade.ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. ttl <= 0 keeps it forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store is the aggregate persistence interface.
type Store interface {
	EventLog
	Index
	KV

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// RunSubject is the event log subject of a run.
func RunSubject(runID string) string { return "run:" + runID }

// RunIndexKey is the index key of a flow's runs.
func RunIndexKey(flowName string) string { return "flow:" + flowName + ":runs" }
