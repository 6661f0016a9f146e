// Package bunstore provides a PostgreSQL-backed implementation of every
// Loom store interface using the Bun ORM. Schema management is embedded:
// Migrate applies the SQL files shipped with the package in order.
//
// The checkpoint and cost-ledger writes that must land together use a
// single database transaction (see SaveCheckpointAndCost); the engine
// detects and prefers that path automatically.
package bunstore
