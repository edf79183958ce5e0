// Package target is the control agent core.
//
// A Controller drives a single process backend (see Backend) and hands out
// Handles for the processes it creates or attaches to. All operations on a
// Handle are synchronous; callers are expected to serialize them. Memory
// access, thread enumeration and watchpoint installation assume the target
// is stopped.
//
// Failures never escape as panics. Lifecycle operations report through their
// boolean or integer results and a line on the "target" logger, mirroring the
// way an inspector polls the agent and re-queries State after a failure.
package target
