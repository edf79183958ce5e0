// Package native controls real processes through ptrace(2).
//
// Only linux/amd64 is supported, on every other platform New returns a
// backend whose operations fail with target.ErrNotSupported.
//
// All ptrace requests of a backend are issued from one locked OS thread,
// the kernel only accepts requests from the thread that attached. A process
// is stopped and resumed as a whole: when one thread reports a trapped event
// the remaining threads are halted with SIGSTOP before Wait returns.
//
// Wait statuses are collected by a reaper goroutine for as long as anything
// is traced, so events a running target does not trap on never hold it up.
package native
