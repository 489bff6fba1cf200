// Package log wraps zerolog with a process-global logger configured once at
// startup. Components obtain tagged child loggers via Component.
package log
