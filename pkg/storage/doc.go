/*
Package storage provides SQLite-backed persistence for Octopus coordinator
state: tasks, executions, workers, per-hostname command queues, and user
parameters.

The store is a single embedded database file configured for write-ahead
logging with a 30 second busy timeout. All writes serialize through one
process-wide mutex; reads run in parallel against the WAL snapshot. Schema
migration is idempotent and additive: new columns are probed and added with
ALTER TABLE so older database files upgrade in place.

Two rules live here because they must be atomic with the write:

  - Status guard: a recurring task whose end-of-window has not passed never
    transitions to a terminal status; the status field of such a patch is
    dropped and the suppression logged at info.
  - No terminal regression: once a task reads as Done or Failed it never
    reverts to a non-terminal state.

Execution rows are upserted by execution_id, so a worker may report the same
identifier twice within one firing (running, then terminal) and end with a
single row carrying the terminal status.
*/
package storage
