// Package store defines the [Store] interface for shared document backends
// and provides three implementations:
//
//   - [FileStore]: one JSON file per document guarded by an advisory file
//     lock. This is the backend meant for coordinating worker processes.
//   - [SQLiteStore]: all documents in one SQLite database file.
//   - [MemoryStore]: records in process memory, for tests and single-process use.
//
// Custom backends can be created by implementing the [Store] interface.
package store
