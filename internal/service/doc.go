package service

// Package service implements the refresh orchestration: a single-flight
// Supervisor, the Pipeline executing modules and the Runner executing steps.
//
// Overview
// The Supervisor owns one lock. TryStart either takes it and launches a Run
// in a new goroutine, or returns a *BusyError describing the active Run. It
// never queues. The goroutine executes the Pipeline, releases the lock in a
// deferred function and finally hands the RunResult to the notifiers.
//
// Data flow:
//
//   HTTP / cron / CLI      Supervisor                Pipeline            Runner
//       |                      |                        |                  |
//   TryStart ------------->| lock, new Run             |                  |
//       |<---- RunInfo -------| go execute ----------->| for each step:   |
//       |                      |                        | check cancel     |
//   Status --------------->| snapshot of progress    | Run ------------>| os/exec + timeout
//   Cancel --------------->| cancel flag             |<---- Result -----|
//       |                      |<---- RunResult --------|                  |
//       |                      | release, notify        |                  |
//
// Invariants:
//   - At most one Run is active; the lock is released exactly once per Run,
//     by the goroutine executing it, also on panic.
//   - Progress is written only by that goroutine. Status returns copies.
//   - Cancellation is cooperative and checked before each step. A running
//     step is bounded by its own timeout, not by cancellation.
//   - Steps of a Run are executed sequentially.
//   - Cancelling the Supervisor's base context kills the running step.
//
// internal/service/supervisor_test.go is the best source about how to use the
// Supervisor.
