// Package storage persists notification records, user delivery targets and
// the operator audit trail.
//
// Drivers: memory (tests, single-process dev), sqlite (modernc.org/sqlite)
// and postgres (pgx). All drivers implement the same atomic claim so
// overlapping sweeps never deliver a record twice.
package storage
