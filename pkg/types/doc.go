/*
Package types defines the core data model shared by the coordinator and the
workers: tasks, executions, workers, control commands, and user parameters.

Tasks carry an ownership sentinel (a concrete username, ANYONE, or ALL) that
drives the assignment engine, a kind (Adhoc or Schedule), and a scheduling
window. Executions are append-only attempt records keyed by
"<task_id>_<worker>_<ms>". Worker liveness derives from heartbeat age:
online within 60s, idle within 300s, offline beyond that.

Timestamps are float seconds since epoch throughout, matching the wire and
store representation.
*/
package types
