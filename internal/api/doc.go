// Package api hosts the HTTP server, middleware, and REST handlers for the
// onboarding service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/onboarding to mount a session for a user, optionally throttled
//     per clerk_user_id.
//   - GET /v1/onboarding/{session_id} for the latest snapshot, and
//     /v1/onboarding/{session_id}/stream for Server-Sent Events.
//   - DELETE /v1/onboarding/{session_id} to unmount.
package api
