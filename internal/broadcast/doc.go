// Package broadcast implements rate-limited fan-out of a single message
// to many recipients.
//
// Runs execute one at a time through a coordinator goroutine; each run
// fans its recipients out over a worker pool that shares one send rate
// budget. Every terminal per-recipient outcome is checkpointed to the
// store, so a run interrupted by a crash or restart resumes with exactly
// the recipients that never reached a terminal outcome.
package broadcast
