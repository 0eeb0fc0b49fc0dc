// Package storage persists poll instances.
//
// One record per opened poll occurrence: its transport handle, open and
// close instants and the ordered response log. Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file":   JSON-lines journal plus snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//   - "redis":  Redis keys with optimistic WATCH/MULTI updates
//
// Every mutation is applied atomically per instance by the driver; the
// response merge rules live here once and are shared by all drivers.
package storage
