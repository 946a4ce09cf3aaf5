// Package stores provides the persistence layer of the supervisor.
// It includes a SQLite-based store with WAL mode and embedded migrations
// holding resolution center issues, job run history, snapshot events and
// off-site replication state.
package stores
