// Package progress carries onboarding lifecycle events (session mount, step
// start/complete, verification results) from sessions to observability sinks.
// A Hub batches events on a background goroutine and fans them out so that
// sessions never block on logging or metrics.
package progress
