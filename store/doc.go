// Package store defines the persistence contract of the orchestration core.
//
// The composite interface:
//
//	type Store interface {
//	    EventLog // Append, Read
//	    Index    // IndexAdd, IndexGet, IndexUpdate, IndexIncrement, IndexRead
//	    KV       // Get, Set, Delete
//
//	    Migrate(ctx context.Context) error
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// The event log is the source of truth. The run index is a derived cache:
// only the atomic counter increment and version-checked updates mutate it,
// which is what lets several processes share one backend without locks.
// UpdateWithRetry implements the read-modify-write loop on top of
// IndexUpdate for every backend.
//
// # Available Backends
//
//   - store/memory: in-memory store for development and testing
//   - store/sqlite: SQLite backend using modernc.org/sqlite
//   - store/redis: Redis backend using go-redis v9
//
// # Usage
//
//	s, err := sqlite.New(ctx, "cascade.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
