// Package sqlite implements the store on database/sql with the pure-Go
// modernc.org/sqlite driver. A single write connection with WAL
// journaling keeps claims atomic without row locks; timestamps are
// stored as integer nanoseconds so they compare correctly in SQL.
package sqlite
