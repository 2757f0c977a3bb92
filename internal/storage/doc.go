// Package storage provides the durable state shared by coordinator replicas:
// the connector config log, committed offsets, worker heartbeats, the
// leader's cluster snapshot, leases and the topic logs the built-in
// connectors move records through.
//
// # Config Log
//
// Every connector write (create, update, delete, pause/resume, restart)
// appends one Record with the next offset and updates the materialized
// Connector in the same step:
//
//	offset  kind          name                 payload
//	------  ------------  -------------------  ---------------------------
//	1       config        local-file-source    {connector.class: ..., file: input.txt}
//	2       config        local-file-sink      {connector.class: ..., topics: connect-test}
//	3       target_state  local-file-source    PAUSED
//	4       config        local-file-source    {..., file: input2.txt}
//	5       delete        local-file-sink
//
// Because the existence check and the append share one critical section
// (a mutex for MemoryStore, a transaction for SQLStore) two gateway
// replicas racing to create the same name see exactly one success; the
// loser gets ErrConflict.
//
// # Implementations
//
// MemoryStore keeps everything in maps behind a single mutex. It is the
// default for single-process runs and for tests.
//
// SQLStore keeps the same data in SQLite through database/sql and the pure
// Go modernc.org/sqlite driver. Schema changes are versioned migrations
// applied in a transaction each. Several coordinator processes may open the
// same database file; WAL mode and a busy timeout let them share it, and
// lock contention surfaces as ErrUnavailable so callers can retry.
//
// # Errors
//
//	ErrNotFound     connector or lease missing
//	ErrConflict     duplicate name, stale cluster state version
//	ErrUnavailable  backend busy or request canceled; safe to retry
//
// Errors are wrapped with github.com/pkg/errors; test them with errors.Is.
//
// # Cluster State
//
// SaveClusterState takes the version the caller loaded. A deposed leader
// still writing with an old version is rejected with ErrConflict, which
// keeps two leaders from interleaving rebalance steps.
package storage
