// Package sinks implements concrete onboarding progress consumers: structured
// logging, Prometheus metrics and Pub/Sub forwarding. Each sink satisfies progress.Sink and is safe
// for repeated Consume/Close cycles.
package sinks
