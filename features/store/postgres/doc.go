// Package postgres implements the engine's store contract on PostgreSQL via
// GORM. Editable aggregates (workflow graphs, snapshots, request metadata)
// ride as JSONB columns; the ledger tables carry the engine's uniqueness
// invariants as composite unique indexes so concurrent writers race on the
// database constraint, not on application state. Transactions run at
// REPEATABLE READ.
package postgres
