// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access to a running pipeline. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks; readyz turns 503 once the run ends.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status and /v1/queues for live pipeline state.
//   - GET /v1/runs, /v1/runs/{run_id}, and /v1/runs/{run_id}/sinks for
//     persisted run progress via store.RunRepository.
package api
