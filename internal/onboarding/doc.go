// Package onboarding implements the onboarding progress engine: a step ledger
// advanced by a randomized pacing clock and annotated by asynchronous backend
// checks.
//
// A Session owns one Ledger, one pacing.Policy and one ticker. Every mutation
// happens on the session goroutine: ticker firings are turned into ADVANCE
// events, and verifier goroutines post DATA_RESOLVED events back onto the same
// loop. Readers observe the ledger through immutable Snapshots.
package onboarding
