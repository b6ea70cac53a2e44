// Package engine provides the synchronous unit execution engine.
// It orders units with the scheduler, drives each one through the
// scheduled → running → passed/failed state machine, keeps the run-scoped
// dependency cache, and reports every result through an event sink.
package engine
